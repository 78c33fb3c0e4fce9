package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/terminal-bench/multisigledger/internal/ledger"
)

// tx is an overlay over committed state. Staged values shadow committed
// ones; appended list entries are kept separately until Commit.
type tx struct {
	b    *Backend
	done bool

	accounts   map[ledger.Identity]ledger.Account
	history    map[ledger.Identity][]ledger.RequestID
	requests   map[ledger.RequestID]ledger.PendingRequest
	signatures []ledger.SignatureRecord
	signed     map[sigKey]struct{}
}

func (t *tx) check() error {
	if t.done {
		return ledger.ErrTxDone
	}
	return nil
}

func (t *tx) Account(ctx context.Context, id ledger.Identity) (ledger.Account, error) {
	if err := t.check(); err != nil {
		return ledger.Account{}, err
	}
	if acct, ok := t.accounts[id]; ok {
		return acct, nil
	}
	t.b.mu.RLock()
	defer t.b.mu.RUnlock()
	return t.b.account(id)
}

func (t *tx) History(ctx context.Context, id ledger.Identity) ([]ledger.RequestID, error) {
	if _, err := t.Account(ctx, id); err != nil {
		return nil, err
	}
	t.b.mu.RLock()
	out := append([]ledger.RequestID(nil), t.b.history[id]...)
	t.b.mu.RUnlock()
	return append(out, t.history[id]...), nil
}

func (t *tx) CreateAccount(ctx context.Context, acct ledger.Account) error {
	if _, err := t.Account(ctx, acct.Identity); err == nil {
		return fmt.Errorf("account %s: %w", acct.Identity, ledger.ErrAlreadyExists)
	} else if errors.Is(err, ledger.ErrTxDone) {
		return err
	}
	acct.HistoryLen = 0
	acct.HistoryDigest = ""
	t.accounts[acct.Identity] = acct
	return nil
}

func (t *tx) SetBalance(ctx context.Context, id ledger.Identity, balance, reserved uint64) error {
	acct, err := t.Account(ctx, id)
	if err != nil {
		return err
	}
	acct.Balance = balance
	acct.Reserved = reserved
	t.accounts[id] = acct
	return nil
}

func (t *tx) AppendHistory(ctx context.Context, id ledger.Identity, req ledger.RequestID) error {
	acct, err := t.Account(ctx, id)
	if err != nil {
		return err
	}
	acct.HistoryLen++
	acct.HistoryDigest = ledger.HistoryDigest(acct.HistoryDigest, req)
	t.accounts[id] = acct
	t.history[id] = append(t.history[id], req)
	return nil
}

func (t *tx) Request(ctx context.Context, id ledger.RequestID) (ledger.PendingRequest, error) {
	if err := t.check(); err != nil {
		return ledger.PendingRequest{}, err
	}
	if req, ok := t.requests[id]; ok {
		return cloneRequest(req), nil
	}
	t.b.mu.RLock()
	defer t.b.mu.RUnlock()
	return t.b.request(id)
}

func (t *tx) PutRequest(ctx context.Context, req ledger.PendingRequest) error {
	if _, err := t.Request(ctx, req.ID); err == nil {
		return fmt.Errorf("request %s: %w", req.ID, ledger.ErrAlreadyExists)
	} else if errors.Is(err, ledger.ErrTxDone) {
		return err
	}
	t.requests[req.ID] = cloneRequest(req)
	return nil
}

func (t *tx) SetStatus(ctx context.Context, id ledger.RequestID, status ledger.Status) error {
	req, err := t.Request(ctx, id)
	if err != nil {
		return err
	}
	req.Status = status
	t.requests[id] = req
	return nil
}

func (t *tx) RecordSignature(ctx context.Context, id ledger.RequestID, signer ledger.Identity) error {
	if err := t.check(); err != nil {
		return err
	}
	t.b.mu.RLock()
	seq := uint64(len(t.b.signatures) + len(t.signatures) + 1)
	prev := ""
	if n := len(t.b.signatures); n > 0 {
		prev = t.b.signatures[n-1].Digest
	}
	t.b.mu.RUnlock()
	if n := len(t.signatures); n > 0 {
		prev = t.signatures[n-1].Digest
	}

	t.signatures = append(t.signatures, ledger.SignatureRecord{
		Seq:       seq,
		RequestID: id,
		Signer:    signer,
		Digest:    ledger.SignatureDigest(prev, id, signer),
	})
	t.signed[sigKey{id, signer}] = struct{}{}
	return nil
}

func (t *tx) HasSigned(ctx context.Context, id ledger.RequestID, signer ledger.Identity) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	if _, ok := t.signed[sigKey{id, signer}]; ok {
		return true, nil
	}
	return t.b.HasSigned(ctx, id, signer)
}

func (t *tx) CountDistinctSigners(ctx context.Context, id ledger.RequestID) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	t.b.mu.RLock()
	set := t.b.distinctSigners(id)
	t.b.mu.RUnlock()
	for _, rec := range t.signatures {
		if rec.RequestID == id {
			set[rec.Signer] = struct{}{}
		}
	}
	return len(set), nil
}

func (t *tx) Signatures(ctx context.Context, id ledger.RequestID) ([]ledger.SignatureRecord, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	out, _ := t.b.Signatures(ctx, id)
	for _, rec := range t.signatures {
		if rec.RequestID == id {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Commit applies the overlay to committed state.
func (t *tx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	defer t.b.writer.Unlock()

	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, acct := range t.accounts {
		b.accounts[id] = acct
	}
	for id, entries := range t.history {
		b.history[id] = append(b.history[id], entries...)
	}
	for id, req := range t.requests {
		b.requests[id] = req
	}
	for _, rec := range t.signatures {
		b.byRequest[rec.RequestID] = append(b.byRequest[rec.RequestID], len(b.signatures))
		b.signatures = append(b.signatures, rec)
		b.signed[sigKey{rec.RequestID, rec.Signer}] = struct{}{}
	}
	return nil
}

// Rollback discards the overlay. Calling it after Commit is a no-op.
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.b.writer.Unlock()
	return nil
}
