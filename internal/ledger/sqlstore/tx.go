package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/terminal-bench/multisigledger/internal/ledger"
)

type tx struct {
	queries
	tx      *sqlx.Tx
	release func()
	done    bool
}

func (t *tx) check() error {
	if t.done {
		return ledger.ErrTxDone
	}
	return nil
}

func (t *tx) finish() {
	t.done = true
	t.release()
}

func (t *tx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	defer t.finish()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	defer t.finish()
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *tx) Account(ctx context.Context, id ledger.Identity) (ledger.Account, error) {
	if err := t.check(); err != nil {
		return ledger.Account{}, err
	}
	return t.queries.Account(ctx, id)
}

func (t *tx) History(ctx context.Context, id ledger.Identity) ([]ledger.RequestID, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.queries.History(ctx, id)
}

func (t *tx) CreateAccount(ctx context.Context, acct ledger.Account) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.queries.CreateAccount(ctx, acct)
}

func (t *tx) SetBalance(ctx context.Context, id ledger.Identity, balance, reserved uint64) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.queries.SetBalance(ctx, id, balance, reserved)
}

func (t *tx) AppendHistory(ctx context.Context, id ledger.Identity, req ledger.RequestID) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.queries.AppendHistory(ctx, id, req)
}

func (t *tx) Request(ctx context.Context, id ledger.RequestID) (ledger.PendingRequest, error) {
	if err := t.check(); err != nil {
		return ledger.PendingRequest{}, err
	}
	return t.queries.Request(ctx, id)
}

func (t *tx) PutRequest(ctx context.Context, req ledger.PendingRequest) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.queries.PutRequest(ctx, req)
}

func (t *tx) SetStatus(ctx context.Context, id ledger.RequestID, status ledger.Status) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.queries.SetStatus(ctx, id, status)
}

func (t *tx) RecordSignature(ctx context.Context, id ledger.RequestID, signer ledger.Identity) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.queries.RecordSignature(ctx, id, signer)
}

func (t *tx) HasSigned(ctx context.Context, id ledger.RequestID, signer ledger.Identity) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	return t.queries.HasSigned(ctx, id, signer)
}

func (t *tx) CountDistinctSigners(ctx context.Context, id ledger.RequestID) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	return t.queries.CountDistinctSigners(ctx, id)
}

func (t *tx) Signatures(ctx context.Context, id ledger.RequestID) ([]ledger.SignatureRecord, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.queries.Signatures(ctx, id)
}
