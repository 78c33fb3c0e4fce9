package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/terminal-bench/multisigledger/internal/ledger"
)

// queries runs against either the pool or an open transaction.
type queries struct {
	q sqlx.ExtContext
}

func (s queries) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, s.q, dest, s.q.Rebind(query), args...)
}

func (s queries) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, s.q, dest, s.q.Rebind(query), args...)
}

func (s queries) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.q.Rebind(query), args...)
}

func (s queries) Account(ctx context.Context, id ledger.Identity) (ledger.Account, error) {
	var row walletRow
	err := s.get(ctx, &row,
		`SELECT identity, name, balance, reserved, history_len, history_digest FROM wallets WHERE identity = ?`,
		string(id))
	if err != nil {
		return ledger.Account{}, notFound(err, "account "+string(id))
	}
	return row.account()
}

func (s queries) History(ctx context.Context, id ledger.Identity) ([]ledger.RequestID, error) {
	if _, err := s.Account(ctx, id); err != nil {
		return nil, err
	}
	var ids []string
	if err := s.selectAll(ctx, &ids,
		`SELECT request_id FROM wallet_history WHERE identity = ? ORDER BY position`, string(id)); err != nil {
		return nil, fmt.Errorf("list history of %s: %w", id, err)
	}
	out := make([]ledger.RequestID, len(ids))
	for i, v := range ids {
		out[i] = ledger.RequestID(v)
	}
	return out, nil
}

func (s queries) Request(ctx context.Context, id ledger.RequestID) (ledger.PendingRequest, error) {
	var row requestRow
	err := s.get(ctx, &row,
		`SELECT id, sender, receiver, amount, approvers, nonce, status FROM multisig_requests WHERE id = ?`,
		string(id))
	if err != nil {
		return ledger.PendingRequest{}, notFound(err, "request "+string(id))
	}
	return row.request()
}

func (s queries) HasSigned(ctx context.Context, id ledger.RequestID, signer ledger.Identity) (bool, error) {
	var n int
	if err := s.get(ctx, &n,
		`SELECT COUNT(*) FROM multisig_signatures WHERE request_id = ? AND signer = ?`,
		string(id), string(signer)); err != nil {
		return false, fmt.Errorf("lookup signature: %w", err)
	}
	return n > 0, nil
}

func (s queries) CountDistinctSigners(ctx context.Context, id ledger.RequestID) (int, error) {
	var n int
	if err := s.get(ctx, &n,
		`SELECT COUNT(DISTINCT signer) FROM multisig_signatures WHERE request_id = ?`,
		string(id)); err != nil {
		return 0, fmt.Errorf("count signers: %w", err)
	}
	return n, nil
}

func (s queries) Signatures(ctx context.Context, id ledger.RequestID) ([]ledger.SignatureRecord, error) {
	var rows []signatureRow
	if err := s.selectAll(ctx, &rows,
		`SELECT seq, request_id, signer, digest FROM multisig_signatures WHERE request_id = ? ORDER BY seq`,
		string(id)); err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	out := make([]ledger.SignatureRecord, len(rows))
	for i, r := range rows {
		out[i] = ledger.SignatureRecord{
			Seq:       uint64(r.Seq),
			RequestID: ledger.RequestID(r.RequestID),
			Signer:    ledger.Identity(r.Signer),
			Digest:    r.Digest,
		}
	}
	return out, nil
}

// lastSignature returns the ledger length and running digest.
func (s queries) lastSignature(ctx context.Context) (uint64, string, error) {
	var row signatureRow
	err := s.get(ctx, &row,
		`SELECT seq, request_id, signer, digest FROM multisig_signatures ORDER BY seq DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read signature ledger head: %w", err)
	}
	return uint64(row.Seq), row.Digest, nil
}

func (s queries) CreateAccount(ctx context.Context, acct ledger.Account) error {
	if _, err := s.Account(ctx, acct.Identity); err == nil {
		return fmt.Errorf("account %s: %w", acct.Identity, ledger.ErrAlreadyExists)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	_, err := s.exec(ctx,
		`INSERT INTO wallets (identity, name, balance, reserved, history_len, history_digest) VALUES (?, ?, ?, ?, 0, '')`,
		string(acct.Identity), acct.Name, formatUnits(acct.Balance), formatUnits(acct.Reserved))
	if err != nil {
		return fmt.Errorf("insert account %s: %w", acct.Identity, err)
	}
	return nil
}

func (s queries) SetBalance(ctx context.Context, id ledger.Identity, balance, reserved uint64) error {
	res, err := s.exec(ctx, `UPDATE wallets SET balance = ?, reserved = ? WHERE identity = ?`,
		formatUnits(balance), formatUnits(reserved), string(id))
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

func (s queries) AppendHistory(ctx context.Context, id ledger.Identity, req ledger.RequestID) error {
	acct, err := s.Account(ctx, id)
	if err != nil {
		return err
	}
	pos, err := toBigint(acct.HistoryLen)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx,
		`INSERT INTO wallet_history (identity, position, request_id) VALUES (?, ?, ?)`,
		string(id), pos, string(req)); err != nil {
		return fmt.Errorf("append history of %s: %w", id, err)
	}
	if _, err := s.exec(ctx,
		`UPDATE wallets SET history_len = ?, history_digest = ? WHERE identity = ?`,
		pos+1, ledger.HistoryDigest(acct.HistoryDigest, req), string(id)); err != nil {
		return fmt.Errorf("update history of %s: %w", id, err)
	}
	return nil
}

func (s queries) PutRequest(ctx context.Context, req ledger.PendingRequest) error {
	if _, err := s.Request(ctx, req.ID); err == nil {
		return fmt.Errorf("request %s: %w", req.ID, ledger.ErrAlreadyExists)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	approvers := req.Approvers
	if approvers == nil {
		approvers = []ledger.Identity{}
	}
	encoded, err := json.Marshal(approvers)
	if err != nil {
		return fmt.Errorf("encode approvers: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO multisig_requests (id, sender, receiver, amount, approvers, nonce, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(req.ID), string(req.Sender), string(req.Receiver), formatUnits(req.Amount),
		string(encoded), strconv.FormatUint(req.Nonce, 10), int(req.Status))
	if err != nil {
		return fmt.Errorf("insert request %s: %w", req.ID, err)
	}
	return nil
}

func (s queries) SetStatus(ctx context.Context, id ledger.RequestID, status ledger.Status) error {
	res, err := s.exec(ctx, `UPDATE multisig_requests SET status = ? WHERE id = ?`, int(status), string(id))
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("request %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

func (s queries) RecordSignature(ctx context.Context, id ledger.RequestID, signer ledger.Identity) error {
	seq, prev, err := s.lastSignature(ctx)
	if err != nil {
		return err
	}
	next, err := toBigint(seq + 1)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO multisig_signatures (seq, request_id, signer, digest) VALUES (?, ?, ?, ?)`,
		next, string(id), string(signer), ledger.SignatureDigest(prev, id, signer))
	if err != nil {
		return fmt.Errorf("record signature: %w", err)
	}
	return nil
}
