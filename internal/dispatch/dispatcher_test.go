package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/terminal-bench/multisigledger/internal/approval"
	"github.com/terminal-bench/multisigledger/internal/ledger"
	"github.com/terminal-bench/multisigledger/internal/ledger/memory"
	"github.com/terminal-bench/multisigledger/internal/ledger/sqlstore"
	"github.com/terminal-bench/multisigledger/shared/events"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (s *recordingSink) Emit(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type recordingRecorder struct {
	codes   map[string][]uint32
	settled []uint64
}

func (r *recordingRecorder) OperationApplied(kind string, code uint32, _ time.Duration) {
	r.codes[kind] = append(r.codes[kind], code)
}

func (r *recordingRecorder) TransferSettled(amount uint64) {
	r.settled = append(r.settled, amount)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	backend  ledger.Backend
	d        *Dispatcher
	sink     *recordingSink
	recorder *recordingRecorder
}

func newFixture(t *testing.T, backend ledger.Backend, quorum approval.QuorumPolicy) *fixture {
	sink := &recordingSink{}
	rec := &recordingRecorder{codes: map[string][]uint32{}}
	engine := approval.NewEngine(approval.Config{InitialBalance: 100, Quorum: quorum}, zap.NewNop())
	return &fixture{
		t:        t,
		ctx:      context.Background(),
		backend:  backend,
		d:        New(backend, engine, zap.NewNop(), WithSinks(sink), WithRecorder(rec)),
		sink:     sink,
		recorder: rec,
	}
}

func (f *fixture) submit(k keypair, op Operation) (Result, error) {
	env, err := Sign(k.key, op)
	require.NoError(f.t, err)
	return f.d.Submit(f.ctx, env)
}

func (f *fixture) mustSubmit(k keypair, op Operation) Result {
	res, err := f.submit(k, op)
	require.NoError(f.t, err)
	require.True(f.t, res.OK(), res.Log)
	return res
}

func (f *fixture) balance(id ledger.Identity) (uint64, uint64) {
	acct, err := f.backend.Account(f.ctx, id)
	require.NoError(f.t, err)
	return acct.Balance, acct.Reserved
}

func backends(t *testing.T) map[string]ledger.Backend {
	sqlBackend, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlBackend.Close() })
	return map[string]ledger.Backend{"memory": memory.New(), "sqlite": sqlBackend}
}

func TestDispatchScenarios(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, backend, approval.QuorumUnanimous)
			s, r, x, y := newKeypair(t), newKeypair(t), newKeypair(t), newKeypair(t)
			for _, k := range []keypair{s, r, x, y} {
				f.mustSubmit(k, CreateWallet{Name: "w"})
			}

			proposal := f.mustSubmit(s, Propose{To: r.id, Amount: 60, Approvers: []ledger.Identity{x.id, y.id}})
			bal, res := f.balance(s.id)
			assert.Equal(t, uint64(100), bal)
			assert.Equal(t, uint64(60), res)

			out, err := f.submit(s, Propose{To: r.id, Amount: 60, Approvers: []ledger.Identity{x.id}, Nonce: 1})
			assert.ErrorIs(t, err, approval.ErrInsufficientFunds)
			assert.Equal(t, approval.CodeInsufficientFunds, out.Code)

			out = f.mustSubmit(x, Approve{RequestID: proposal.RequestID})
			assert.Equal(t, "approval recorded (1/2)", out.Log)

			out = f.mustSubmit(y, Approve{RequestID: proposal.RequestID})
			assert.Equal(t, "transfer settled", out.Log)

			bal, res = f.balance(s.id)
			assert.Equal(t, uint64(40), bal)
			assert.Zero(t, res)
			bal, _ = f.balance(r.id)
			assert.Equal(t, uint64(160), bal)

			out, err = f.submit(x, Approve{RequestID: proposal.RequestID})
			assert.ErrorIs(t, err, approval.ErrAlreadySettled)
			assert.Equal(t, approval.CodeAlreadySettled, out.Code)

			out, err = f.submit(x, Approve{RequestID: ledger.RequestID(ledger.Sum([]byte("unknown")))})
			assert.ErrorIs(t, err, approval.ErrRequestNotFound)
			assert.Equal(t, approval.CodeRequestNotFound, out.Code)

			assert.Equal(t, []string{
				events.WalletCreated, events.WalletCreated, events.WalletCreated, events.WalletCreated,
				events.Proposed, events.Approved, events.Approved, events.Settled,
			}, f.sink.types())
			assert.Equal(t, []uint64{60}, f.recorder.settled)
			assert.Equal(t, []uint32{0, 4}, f.recorder.codes["propose"])
		})
	}
}

func TestDispatchIssueAndTransfer(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, backend, approval.QuorumUnanimous)
			s, r, x := newKeypair(t), newKeypair(t), newKeypair(t)
			for _, k := range []keypair{s, r, x} {
				f.mustSubmit(k, CreateWallet{})
			}

			res := f.mustSubmit(s, Issue{Amount: 50})
			assert.Equal(t, "funds issued", res.Log)
			bal, _ := f.balance(s.id)
			assert.Equal(t, uint64(150), bal)

			f.mustSubmit(s, Propose{To: r.id, Amount: 120, Approvers: []ledger.Identity{x.id}})

			out, err := f.submit(s, Transfer{To: r.id, Amount: 31})
			assert.ErrorIs(t, err, approval.ErrInsufficientFunds)
			assert.Equal(t, approval.CodeInsufficientFunds, out.Code)

			res = f.mustSubmit(s, Transfer{To: r.id, Amount: 30})
			assert.Equal(t, "transfer applied", res.Log)
			bal, reserved := f.balance(s.id)
			assert.Equal(t, uint64(120), bal)
			assert.Equal(t, uint64(120), reserved)
			bal, _ = f.balance(r.id)
			assert.Equal(t, uint64(130), bal)

			hist, err := f.backend.History(f.ctx, r.id)
			require.NoError(t, err)
			assert.Equal(t, res.RequestID, hist[len(hist)-1])

			assert.Equal(t, []string{
				events.WalletCreated, events.WalletCreated, events.WalletCreated,
				events.Issued, events.Proposed, events.Transferred,
			}, f.sink.types())
			assert.Equal(t, []uint64{30}, f.recorder.settled)
			assert.Equal(t, []uint32{4, 0}, f.recorder.codes["transfer"])
		})
	}
}

func TestOutcomeAdd(t *testing.T) {
	t.Run("should log events that cannot be built", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		out := outcome{logger: zap.New(core)}

		out.add(events.New(events.Issued, "id", "author", nil, func() {}))
		assert.Empty(t, out.events)
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, "event not built", logs.All()[0].Message)

		out.add(events.New(events.Issued, "id", "author", nil, events.IssueData{Amount: "1"}))
		assert.Len(t, out.events, 1)
		assert.Equal(t, 1, logs.Len())
	})
}

func TestDispatchReplay(t *testing.T) {
	f := newFixture(t, memory.New(), approval.QuorumUnanimous)
	s, r := newKeypair(t), newKeypair(t)
	f.mustSubmit(s, CreateWallet{})
	f.mustSubmit(r, CreateWallet{})

	env, err := Sign(s.key, Propose{To: r.id, Amount: 10, Approvers: []ledger.Identity{r.id}})
	require.NoError(t, err)
	_, err = f.d.Submit(f.ctx, env)
	require.NoError(t, err)

	t.Run("should reject a replayed proposal", func(t *testing.T) {
		res, err := f.d.Submit(f.ctx, env)
		assert.ErrorIs(t, err, approval.ErrRequestAlreadyExists)
		assert.Equal(t, approval.CodeRequestAlreadyExists, res.Code)
		_, reserved := f.balance(s.id)
		assert.Equal(t, uint64(10), reserved)
	})

	t.Run("should reject a second wallet", func(t *testing.T) {
		_, err := f.submit(s, CreateWallet{Name: "again"})
		assert.ErrorIs(t, err, approval.ErrWalletAlreadyExists)
	})
}

func TestDispatchFailures(t *testing.T) {
	t.Run("should report transport errors with their code", func(t *testing.T) {
		f := newFixture(t, memory.New(), approval.QuorumUnanimous)
		s := newKeypair(t)
		env, err := Sign(s.key, CreateWallet{})
		require.NoError(t, err)
		env.Signature = "zz"

		res, err := f.d.Submit(f.ctx, env)
		assert.ErrorIs(t, err, ErrAuth)
		assert.Equal(t, CodeAuthError, res.Code)
		assert.Equal(t, env.ID(), res.RequestID)
	})

	t.Run("should surface invariant violations as fatal", func(t *testing.T) {
		backend := memory.New()
		f := newFixture(t, backend, approval.QuorumUnanimous)
		s, r := newKeypair(t), newKeypair(t)
		f.mustSubmit(s, CreateWallet{})
		f.mustSubmit(r, CreateWallet{})
		proposal := f.mustSubmit(s, Propose{To: r.id, Amount: 50, Approvers: []ledger.Identity{r.id}})

		tx, err := backend.Begin(f.ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SetBalance(f.ctx, s.id, 10, 50))
		require.NoError(t, tx.Commit())

		res, err := f.submit(r, Approve{RequestID: proposal.RequestID})
		require.Error(t, err)
		assert.True(t, approval.IsFatal(err))
		assert.Equal(t, approval.CodeReservationInvariantViolated, res.Code)

		req, err := backend.Request(f.ctx, proposal.RequestID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, req.Status)
		sigs, err := backend.Signatures(f.ctx, proposal.RequestID)
		require.NoError(t, err)
		assert.Empty(t, sigs)
	})

	t.Run("should keep committed state when a sink fails", func(t *testing.T) {
		f := newFixture(t, memory.New(), approval.QuorumUnanimous)
		f.sink.err = errors.New("broker down")
		s := newKeypair(t)
		res := f.mustSubmit(s, CreateWallet{Name: "s"})
		assert.Equal(t, "wallet created", res.Log)
		bal, _ := f.balance(s.id)
		assert.Equal(t, uint64(100), bal)
	})
}

func TestDispatchLegacyQuorum(t *testing.T) {
	f := newFixture(t, memory.New(), approval.QuorumLegacyLenient)
	s, r, x, y := newKeypair(t), newKeypair(t), newKeypair(t), newKeypair(t)
	for _, k := range []keypair{s, r, x, y} {
		f.mustSubmit(k, CreateWallet{})
	}
	proposal := f.mustSubmit(s, Propose{To: r.id, Amount: 30, Approvers: []ledger.Identity{x.id, y.id}})
	res := f.mustSubmit(x, Approve{RequestID: proposal.RequestID})
	assert.Equal(t, "transfer settled", res.Log)
}

func TestDispatchSerializesConcurrentSubmissions(t *testing.T) {
	f := newFixture(t, memory.New(), approval.QuorumUnanimous)
	s, r, x := newKeypair(t), newKeypair(t), newKeypair(t)
	for _, k := range []keypair{s, r, x} {
		f.mustSubmit(k, CreateWallet{})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(nonce uint64) {
			defer wg.Done()
			env, err := Sign(s.key, Propose{To: r.id, Amount: 15, Approvers: []ledger.Identity{x.id}, Nonce: nonce})
			if err != nil {
				return
			}
			res, _ := f.d.Submit(f.ctx, env)
			if res.OK() {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(uint64(i))
	}
	wg.Wait()

	assert.Equal(t, 6, accepted)
	bal, reserved := f.balance(s.id)
	assert.Equal(t, uint64(100), bal)
	assert.Equal(t, uint64(90), reserved)
}
