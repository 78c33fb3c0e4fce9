package ledger

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("ledger: not found")
	ErrAlreadyExists = errors.New("ledger: already exists")
	ErrTxDone        = errors.New("ledger: transaction already committed or rolled back")
)

// AccountReader reads wallets and their history.
type AccountReader interface {
	Account(ctx context.Context, id Identity) (Account, error)
	History(ctx context.Context, id Identity) ([]RequestID, error)
}

// AccountStore maps identities to wallets. History is append-only.
type AccountStore interface {
	AccountReader
	CreateAccount(ctx context.Context, acct Account) error
	SetBalance(ctx context.Context, id Identity, balance, reserved uint64) error
	AppendHistory(ctx context.Context, id Identity, req RequestID) error
}

// RequestReader reads pending requests.
type RequestReader interface {
	Request(ctx context.Context, id RequestID) (PendingRequest, error)
}

// RequestStore maps request ids to pending requests. PutRequest never
// overwrites: a second put for the same id returns ErrAlreadyExists.
type RequestStore interface {
	RequestReader
	PutRequest(ctx context.Context, req PendingRequest) error
	SetStatus(ctx context.Context, id RequestID, status Status) error
}

// SignatureReader reads the signature ledger.
type SignatureReader interface {
	HasSigned(ctx context.Context, id RequestID, signer Identity) (bool, error)
	CountDistinctSigners(ctx context.Context, id RequestID) (int, error)
	Signatures(ctx context.Context, id RequestID) ([]SignatureRecord, error)
}

// SignatureLedger is the append-only list of (request, signer) pairs.
// RecordSignature appends unconditionally; deduplication is the caller's job.
type SignatureLedger interface {
	SignatureReader
	RecordSignature(ctx context.Context, id RequestID, signer Identity) error
}

// Store is the full view one operation executes against.
type Store interface {
	AccountStore
	RequestStore
	SignatureLedger
}

// Reader is the read side of committed state.
type Reader interface {
	AccountReader
	RequestReader
	SignatureReader
}

// Tx is a Store whose writes become visible only on Commit.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// Snapshot summarizes committed state for integrity checks.
type Snapshot struct {
	Accounts        []Account `json:"accounts"`
	PendingRequests int       `json:"pending_requests"`
	SettledRequests int       `json:"settled_requests"`
	Signatures      uint64    `json:"signatures"`
	SignatureDigest string    `json:"signature_digest"`
}

// Backend owns committed state and hands out transactions. Only one
// transaction may be open at a time; Begin blocks until the previous one
// finishes.
type Backend interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}
