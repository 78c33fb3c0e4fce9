// Package dispatch feeds authenticated operations to the approval engine one
// at a time. Each operation runs in its own ledger transaction, which is
// committed on success and rolled back on any error. Events are emitted to
// the registered sinks after commit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/multisigledger/internal/approval"
	"github.com/terminal-bench/multisigledger/internal/ledger"
	"github.com/terminal-bench/multisigledger/shared/events"
)

// EventSink receives committed events. Errors are logged and otherwise
// ignored; the operation has already been applied.
type EventSink interface {
	Emit(ctx context.Context, ev events.Event) error
}

// Recorder observes dispatch outcomes.
type Recorder interface {
	OperationApplied(kind string, code uint32, elapsed time.Duration)
	TransferSettled(amount uint64)
}

// Result is the outcome reported to the submitter.
type Result struct {
	RequestID ledger.RequestID `json:"request_id,omitempty"`
	Code      approval.Code    `json:"code"`
	Log       string           `json:"log"`
	Data      interface{}      `json:"data,omitempty"`
}

// OK reports whether the operation was applied.
func (r Result) OK() bool { return r.Code == approval.CodeOK }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSinks registers event sinks.
func WithSinks(sinks ...EventSink) Option {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, sinks...) }
}

// WithRecorder registers a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// Dispatcher serializes operations against a backend.
type Dispatcher struct {
	backend  ledger.Backend
	engine   *approval.Engine
	sinks    []EventSink
	recorder Recorder
	logger   *zap.Logger

	mu sync.Mutex
}

// New creates a dispatcher
func New(backend ledger.Backend, engine *approval.Engine, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		backend: backend,
		engine:  engine,
		logger:  logger.With(zap.String("component", "dispatch")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit authenticates env and applies it.
func (d *Dispatcher) Submit(ctx context.Context, env Envelope) (Result, error) {
	sub, err := Open(env)
	if err != nil {
		code, _ := approval.CodeOf(err)
		d.logger.Info("operation rejected", zap.Uint32("code", uint32(code)), zap.Error(err))
		if d.recorder != nil {
			d.recorder.OperationApplied("invalid", uint32(code), 0)
		}
		return Result{RequestID: env.ID(), Code: code, Log: err.Error()}, err
	}
	return d.Apply(ctx, sub)
}

// Apply runs one authenticated operation in its own transaction.
func (d *Dispatcher) Apply(ctx context.Context, sub Submission) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	kind := sub.Op.Kind()
	log := d.logger.With(
		zap.String("kind", kind.String()),
		zap.String("request_id", string(sub.ID)),
		zap.String("author", string(sub.Author)),
	)

	tx, err := d.backend.Begin(ctx)
	if err != nil {
		log.Error("begin failed", zap.Error(err))
		return d.finish(kind, start, Result{RequestID: sub.ID, Code: CodeInternalError, Log: "storage unavailable"}), fmt.Errorf("begin: %w", err)
	}

	out, err := d.execute(ctx, tx, sub)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("rollback failed", zap.Error(rbErr))
		}
		res := Result{RequestID: sub.ID, Code: CodeInternalError, Log: err.Error()}
		var engineErr *approval.Error
		switch {
		case approval.IsFatal(err):
			res.Code = approval.CodeReservationInvariantViolated
			log.Error("internal consistency failure", zap.Error(err))
		case errors.As(err, &engineErr):
			res.Code = engineErr.Code
			log.Info("operation rejected", zap.Uint32("code", uint32(res.Code)), zap.Error(err))
		default:
			res.Log = "internal error"
			log.Error("operation failed", zap.Error(err))
		}
		return d.finish(kind, start, res), err
	}

	if err := tx.Commit(); err != nil {
		log.Error("commit failed", zap.Error(err))
		return d.finish(kind, start, Result{RequestID: sub.ID, Code: CodeInternalError, Log: "internal error"}), fmt.Errorf("commit: %w", err)
	}

	log.Debug("operation applied", zap.String("log", out.log))
	for _, ev := range out.events {
		d.emit(ctx, ev)
	}
	if out.settled > 0 && d.recorder != nil {
		d.recorder.TransferSettled(out.settled)
	}
	return d.finish(kind, start, Result{RequestID: sub.ID, Code: approval.CodeOK, Log: out.log, Data: out.data}), nil
}

func (d *Dispatcher) finish(kind Kind, start time.Time, res Result) Result {
	if d.recorder != nil {
		d.recorder.OperationApplied(kind.String(), uint32(res.Code), time.Since(start))
	}
	return res
}

func (d *Dispatcher) emit(ctx context.Context, ev events.Event) {
	for _, sink := range d.sinks {
		if err := sink.Emit(ctx, ev); err != nil {
			d.logger.Warn("event sink failed",
				zap.String("event", ev.Type),
				zap.String("request_id", ev.RequestID),
				zap.Error(err),
			)
		}
	}
}

type outcome struct {
	logger  *zap.Logger
	data    interface{}
	log     string
	events  []events.Event
	settled uint64
}

func (d *Dispatcher) execute(ctx context.Context, store ledger.Store, sub Submission) (outcome, error) {
	out := outcome{logger: d.logger.With(zap.String("request_id", string(sub.ID)))}
	id, author := string(sub.ID), string(sub.Author)

	switch op := sub.Op.(type) {
	case CreateWallet:
		acct, err := d.engine.CreateWallet(ctx, store, sub.Author, sub.ID, op.Name)
		if err != nil {
			return out, err
		}
		out.data = acct
		out.log = "wallet created"
		out.add(events.New(events.WalletCreated, id, author, []string{author}, events.WalletData{
			Name:    acct.Name,
			Balance: strconv.FormatUint(acct.Balance, 10),
		}))

	case Propose:
		req, err := d.engine.Propose(ctx, store, sub.Author, sub.ID, approval.Proposal{
			To:        op.To,
			Amount:    uint64(op.Amount),
			Approvers: op.Approvers,
			Nonce:     op.Nonce,
		})
		if err != nil {
			return out, err
		}
		out.data = req
		out.log = "transfer proposed"
		approvers := make([]string, len(req.Approvers))
		for i, a := range req.Approvers {
			approvers[i] = string(a)
		}
		out.add(events.New(events.Proposed, id, author, []string{author}, events.ProposalData{
			Sender:    string(req.Sender),
			Receiver:  string(req.Receiver),
			Amount:    strconv.FormatUint(req.Amount, 10),
			Approvers: approvers,
			Nonce:     strconv.FormatUint(req.Nonce, 10),
		}))

	case Approve:
		res, err := d.engine.Approve(ctx, store, sub.Author, op.RequestID)
		if err != nil {
			return out, err
		}
		req := res.Request
		out.data = res
		out.log = fmt.Sprintf("approval recorded (%d/%d)", res.Signers, len(req.Approvers))
		out.add(events.New(events.Approved, string(req.ID), author, nil, events.ApprovalData{
			Signer:    author,
			Recorded:  res.Recorded,
			Signers:   res.Signers,
			Approvers: len(req.Approvers),
		}))
		if res.Settled {
			out.log = "transfer settled"
			out.settled = req.Amount
			affected := []string{string(req.Sender)}
			if req.Receiver != req.Sender {
				affected = append(affected, string(req.Receiver))
			}
			out.add(events.New(events.Settled, string(req.ID), author, affected, events.SettlementData{
				Sender:   string(req.Sender),
				Receiver: string(req.Receiver),
				Amount:   strconv.FormatUint(req.Amount, 10),
			}))
		}

	case Issue:
		acct, err := d.engine.Issue(ctx, store, sub.Author, sub.ID, uint64(op.Amount))
		if err != nil {
			return out, err
		}
		out.data = acct
		out.log = "funds issued"
		out.add(events.New(events.Issued, id, author, []string{author}, events.IssueData{
			Amount:  strconv.FormatUint(uint64(op.Amount), 10),
			Balance: strconv.FormatUint(acct.Balance, 10),
		}))

	case Transfer:
		if err := d.engine.Transfer(ctx, store, sub.Author, sub.ID, op.To, uint64(op.Amount)); err != nil {
			return out, err
		}
		out.log = "transfer applied"
		out.settled = uint64(op.Amount)
		affected := []string{author}
		if op.To != sub.Author {
			affected = append(affected, string(op.To))
		}
		out.add(events.New(events.Transferred, id, author, affected, events.SettlementData{
			Sender:   author,
			Receiver: string(op.To),
			Amount:   strconv.FormatUint(uint64(op.Amount), 10),
		}))

	default:
		return out, fmt.Errorf("%w: %T", ErrUnknownOperation, sub.Op)
	}
	return out, nil
}

// add queues ev for emission. An event that cannot be built is logged and
// skipped; the operation itself still commits.
func (o *outcome) add(ev events.Event, err error) {
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("event not built", zap.Error(err))
		}
		return
	}
	o.events = append(o.events, ev)
}
