// Package ledger defines the ledger state the approval engine works against:
// wallets with settled and reserved balances, pending multisig transfer
// requests and the append-only signature ledger. Backends live in the
// memory and sqlstore subpackages.
package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Identity is a hex-encoded ed25519 public key.
type Identity string

// ParseIdentity validates and normalizes a hex public key.
func ParseIdentity(s string) (Identity, error) {
	id := Identity(strings.ToLower(strings.TrimSpace(s)))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate reports whether the identity is a well-formed public key.
func (id Identity) Validate() error {
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return fmt.Errorf("invalid identity %q: %w", id, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid identity %q: want %d bytes, got %d", id, ed25519.PublicKeySize, len(raw))
	}
	return nil
}

// PublicKey returns the decoded key. The identity must be valid.
func (id Identity) PublicKey() ed25519.PublicKey {
	raw, _ := hex.DecodeString(string(id))
	return ed25519.PublicKey(raw)
}

// RequestID is the hex content hash of the operation that created a request.
type RequestID string

// ParseRequestID validates a hex request id.
func ParseRequestID(s string) (RequestID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid request id %q: %w", s, err)
	}
	if len(raw) != DigestSize {
		return "", fmt.Errorf("invalid request id %q: want %d bytes, got %d", s, DigestSize, len(raw))
	}
	return RequestID(s), nil
}

// Status is the lifecycle state of a pending request.
type Status uint8

const (
	StatusPending Status = 1
	StatusSettled Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatusPending
	case "settled":
		*s = StatusSettled
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// Account is a wallet.
//
// Reserved is the sum of amounts held by the wallet's own pending proposals
// and never exceeds Balance. HistoryLen and HistoryDigest describe the
// wallet's append-only history list and are maintained by AppendHistory.
type Account struct {
	Identity      Identity `json:"identity"`
	Name          string   `json:"name"`
	Balance       uint64   `json:"balance"`
	Reserved      uint64   `json:"reserved"`
	HistoryLen    uint64   `json:"history_len"`
	HistoryDigest string   `json:"history_digest"`
}

// Available is the amount spendable by new proposals.
func (a Account) Available() uint64 {
	if a.Reserved >= a.Balance {
		return 0
	}
	return a.Balance - a.Reserved
}

// PendingRequest is a proposed transfer awaiting approval.
type PendingRequest struct {
	ID        RequestID  `json:"id"`
	Sender    Identity   `json:"sender"`
	Receiver  Identity   `json:"receiver"`
	Amount    uint64     `json:"amount"`
	Approvers []Identity `json:"approvers"`
	Nonce     uint64     `json:"nonce"`
	Status    Status     `json:"status"`
}

// IsApprover reports whether id is in the required approver set.
func (r PendingRequest) IsApprover(id Identity) bool {
	for _, a := range r.Approvers {
		if a == id {
			return true
		}
	}
	return false
}

// SignatureRecord is one entry of the signature ledger. Seq is the 1-based
// position in the ledger and Digest the running digest up to and including
// this record.
type SignatureRecord struct {
	Seq       uint64    `json:"seq"`
	RequestID RequestID `json:"request_id"`
	Signer    Identity  `json:"signer"`
	Digest    string    `json:"digest"`
}
