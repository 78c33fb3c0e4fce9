// Package memory is an in-process ledger backend. Transactions stage their
// writes in an overlay and apply them to committed state on Commit.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/terminal-bench/multisigledger/internal/ledger"
)

type sigKey struct {
	req    ledger.RequestID
	signer ledger.Identity
}

// Backend holds committed state.
type Backend struct {
	// writer serializes transactions; mu guards committed state.
	writer sync.Mutex
	mu     sync.RWMutex

	accounts   map[ledger.Identity]ledger.Account
	history    map[ledger.Identity][]ledger.RequestID
	requests   map[ledger.RequestID]ledger.PendingRequest
	signatures []ledger.SignatureRecord
	byRequest  map[ledger.RequestID][]int
	signed     map[sigKey]struct{}
}

var _ ledger.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		accounts:  make(map[ledger.Identity]ledger.Account),
		history:   make(map[ledger.Identity][]ledger.RequestID),
		requests:  make(map[ledger.RequestID]ledger.PendingRequest),
		byRequest: make(map[ledger.RequestID][]int),
		signed:    make(map[sigKey]struct{}),
	}
}

func (b *Backend) Close() error { return nil }

func (b *Backend) Account(ctx context.Context, id ledger.Identity) (ledger.Account, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.account(id)
}

func (b *Backend) account(id ledger.Identity) (ledger.Account, error) {
	acct, ok := b.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return acct, nil
}

func (b *Backend) History(ctx context.Context, id ledger.Identity) ([]ledger.RequestID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.accounts[id]; !ok {
		return nil, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return append([]ledger.RequestID(nil), b.history[id]...), nil
}

func (b *Backend) Request(ctx context.Context, id ledger.RequestID) (ledger.PendingRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.request(id)
}

func (b *Backend) request(id ledger.RequestID) (ledger.PendingRequest, error) {
	req, ok := b.requests[id]
	if !ok {
		return ledger.PendingRequest{}, fmt.Errorf("request %s: %w", id, ledger.ErrNotFound)
	}
	return cloneRequest(req), nil
}

func (b *Backend) HasSigned(ctx context.Context, id ledger.RequestID, signer ledger.Identity) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.signed[sigKey{id, signer}]
	return ok, nil
}

func (b *Backend) CountDistinctSigners(ctx context.Context, id ledger.RequestID) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.distinctSigners(id)), nil
}

func (b *Backend) distinctSigners(id ledger.RequestID) map[ledger.Identity]struct{} {
	set := make(map[ledger.Identity]struct{})
	for _, i := range b.byRequest[id] {
		set[b.signatures[i].Signer] = struct{}{}
	}
	return set
}

func (b *Backend) Signatures(ctx context.Context, id ledger.RequestID) ([]ledger.SignatureRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ledger.SignatureRecord, 0, len(b.byRequest[id]))
	for _, i := range b.byRequest[id] {
		out = append(out, b.signatures[i])
	}
	return out, nil
}

func (b *Backend) Snapshot(ctx context.Context) (ledger.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := ledger.Snapshot{
		Accounts:   make([]ledger.Account, 0, len(b.accounts)),
		Signatures: uint64(len(b.signatures)),
	}
	for _, acct := range b.accounts {
		snap.Accounts = append(snap.Accounts, acct)
	}
	for _, req := range b.requests {
		if req.Status == ledger.StatusSettled {
			snap.SettledRequests++
		} else {
			snap.PendingRequests++
		}
	}
	if n := len(b.signatures); n > 0 {
		snap.SignatureDigest = b.signatures[n-1].Digest
	}
	return snap, nil
}

// Begin opens a transaction, waiting for any open one to finish. The wait
// itself is not interruptible; ctx is checked again once the lock is held.
func (b *Backend) Begin(ctx context.Context) (ledger.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.writer.Lock()
	if err := ctx.Err(); err != nil {
		b.writer.Unlock()
		return nil, err
	}
	return &tx{
		b:        b,
		accounts: make(map[ledger.Identity]ledger.Account),
		history:  make(map[ledger.Identity][]ledger.RequestID),
		requests: make(map[ledger.RequestID]ledger.PendingRequest),
		signed:   make(map[sigKey]struct{}),
	}, nil
}

func cloneRequest(req ledger.PendingRequest) ledger.PendingRequest {
	req.Approvers = append([]ledger.Identity(nil), req.Approvers...)
	return req
}
