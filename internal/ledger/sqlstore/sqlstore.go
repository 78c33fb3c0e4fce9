// Package sqlstore is a ledger backend on database/sql. It runs on Postgres
// (lib/pq) and on SQLite (modernc.org/sqlite); queries are written with '?'
// placeholders and rebound per driver by sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/terminal-bench/multisigledger/internal/ledger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrValueOutOfRange is returned when a counter no longer fits a BIGINT.
var ErrValueOutOfRange = errors.New("sqlstore: value exceeds BIGINT range")

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store is a SQL-backed ledger.Backend.
type Store struct {
	db *sqlx.DB
	// writer serializes transactions so sequence numbers and list positions
	// computed inside one are never raced.
	writer sync.Mutex
}

var _ ledger.Backend = (*Store)(nil)

// Open connects to driver/dsn and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// An in-memory SQLite database exists per connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an already migrated database.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a SQL transaction, waiting for any open one to finish. The
// wait itself is not interruptible; ctx is checked again once the lock is
// held.
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.writer.Lock()
	if err := ctx.Err(); err != nil {
		s.writer.Unlock()
		return nil, err
	}
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.writer.Unlock()
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &tx{queries: queries{q: sqlTx}, tx: sqlTx, release: s.writer.Unlock}, nil
}

func (s *Store) reader() queries { return queries{q: s.db} }

func (s *Store) Account(ctx context.Context, id ledger.Identity) (ledger.Account, error) {
	return s.reader().Account(ctx, id)
}

func (s *Store) History(ctx context.Context, id ledger.Identity) ([]ledger.RequestID, error) {
	return s.reader().History(ctx, id)
}

func (s *Store) Request(ctx context.Context, id ledger.RequestID) (ledger.PendingRequest, error) {
	return s.reader().Request(ctx, id)
}

func (s *Store) HasSigned(ctx context.Context, id ledger.RequestID, signer ledger.Identity) (bool, error) {
	return s.reader().HasSigned(ctx, id, signer)
}

func (s *Store) CountDistinctSigners(ctx context.Context, id ledger.RequestID) (int, error) {
	return s.reader().CountDistinctSigners(ctx, id)
}

func (s *Store) Signatures(ctx context.Context, id ledger.RequestID) ([]ledger.SignatureRecord, error) {
	return s.reader().Signatures(ctx, id)
}

func (s *Store) Snapshot(ctx context.Context) (ledger.Snapshot, error) {
	q := s.reader()
	var snap ledger.Snapshot

	var rows []walletRow
	if err := sqlx.SelectContext(ctx, q.q, &rows, q.q.Rebind(
		`SELECT identity, name, balance, reserved, history_len, history_digest FROM wallets ORDER BY identity`)); err != nil {
		return snap, fmt.Errorf("list wallets: %w", err)
	}
	snap.Accounts = make([]ledger.Account, 0, len(rows))
	for _, r := range rows {
		acct, err := r.account()
		if err != nil {
			return snap, err
		}
		snap.Accounts = append(snap.Accounts, acct)
	}

	var counts []struct {
		Status int `db:"status"`
		N      int `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, q.q, &counts, q.q.Rebind(
		`SELECT status, COUNT(*) AS n FROM multisig_requests GROUP BY status`)); err != nil {
		return snap, fmt.Errorf("count requests: %w", err)
	}
	for _, c := range counts {
		if ledger.Status(c.Status) == ledger.StatusSettled {
			snap.SettledRequests += c.N
		} else {
			snap.PendingRequests += c.N
		}
	}

	seq, digest, err := q.lastSignature(ctx)
	if err != nil {
		return snap, err
	}
	snap.Signatures = seq
	snap.SignatureDigest = digest
	return snap, nil
}

type walletRow struct {
	Identity      string `db:"identity"`
	Name          string `db:"name"`
	Balance       string `db:"balance"`
	Reserved      string `db:"reserved"`
	HistoryLen    int64  `db:"history_len"`
	HistoryDigest string `db:"history_digest"`
}

func (r walletRow) account() (ledger.Account, error) {
	acct := ledger.Account{
		Identity:      ledger.Identity(r.Identity),
		Name:          r.Name,
		HistoryLen:    uint64(r.HistoryLen),
		HistoryDigest: r.HistoryDigest,
	}
	var err error
	if acct.Balance, err = parseUnits(r.Balance); err != nil {
		return acct, fmt.Errorf("decode balance of %s: %w", r.Identity, err)
	}
	if acct.Reserved, err = parseUnits(r.Reserved); err != nil {
		return acct, fmt.Errorf("decode reserved of %s: %w", r.Identity, err)
	}
	return acct, nil
}

type requestRow struct {
	ID        string `db:"id"`
	Sender    string `db:"sender"`
	Receiver  string `db:"receiver"`
	Amount    string `db:"amount"`
	Approvers string `db:"approvers"`
	Nonce     string `db:"nonce"`
	Status    int    `db:"status"`
}

func (r requestRow) request() (ledger.PendingRequest, error) {
	req := ledger.PendingRequest{
		ID:       ledger.RequestID(r.ID),
		Sender:   ledger.Identity(r.Sender),
		Receiver: ledger.Identity(r.Receiver),
		Status:   ledger.Status(r.Status),
	}
	amount, err := parseUnits(r.Amount)
	if err != nil {
		return req, fmt.Errorf("decode amount of %s: %w", r.ID, err)
	}
	req.Amount = amount
	if err := json.Unmarshal([]byte(r.Approvers), &req.Approvers); err != nil {
		return req, fmt.Errorf("decode approvers of %s: %w", r.ID, err)
	}
	nonce, err := strconv.ParseUint(r.Nonce, 10, 64)
	if err != nil {
		return req, fmt.Errorf("decode nonce of %s: %w", r.ID, err)
	}
	req.Nonce = nonce
	return req, nil
}

type signatureRow struct {
	Seq       int64  `db:"seq"`
	RequestID string `db:"request_id"`
	Signer    string `db:"signer"`
	Digest    string `db:"digest"`
}

func formatUnits(v uint64) string { return strconv.FormatUint(v, 10) }

func parseUnits(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }

// toBigint converts counters (history positions, ledger sequence numbers).
func toBigint(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%d: %w", v, ErrValueOutOfRange)
	}
	return int64(v), nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ledger.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}
