package dispatch

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/terminal-bench/multisigledger/internal/approval"
	"github.com/terminal-bench/multisigledger/internal/ledger"
)

// Transport-level rejection codes. They share the numbering space of
// approval.Code.
const (
	CodeEncodingError    approval.Code = 200
	CodeAuthError        approval.Code = 201
	CodeUnknownOperation approval.Code = 202
	CodeInternalError    approval.Code = 500
)

var (
	ErrEncoding         = &approval.Error{Code: CodeEncodingError, Message: "malformed operation"}
	ErrAuth             = &approval.Error{Code: CodeAuthError, Message: "signature verification failed"}
	ErrUnknownOperation = &approval.Error{Code: CodeUnknownOperation, Message: "unknown operation kind"}
)

// Body is the signed part of an envelope.
type Body struct {
	Kind    Kind            `json:"kind"`
	Author  ledger.Identity `json:"author"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope is an operation as submitted: the exact body bytes and the
// author's hex ed25519 signature over them.
type Envelope struct {
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature"`
}

// ID is the content hash of the signed body. It identifies the operation
// and, for proposals, the resulting request.
func (e Envelope) ID() ledger.RequestID {
	return ledger.RequestID(ledger.Sum(e.Body))
}

// Submission is an authenticated, decoded envelope.
type Submission struct {
	ID     ledger.RequestID
	Author ledger.Identity
	Op     Operation
}

// Sign builds an envelope for op authored by the owner of key.
func Sign(key ed25519.PrivateKey, op Operation) (Envelope, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	author := ledger.Identity(hex.EncodeToString(key.Public().(ed25519.PublicKey)))
	body, err := json.Marshal(Body{Kind: op.Kind(), Author: author, Payload: payload})
	if err != nil {
		return Envelope{}, fmt.Errorf("encode body: %w", err)
	}
	return Envelope{
		Body:      body,
		Signature: hex.EncodeToString(ed25519.Sign(key, body)),
	}, nil
}

// Open authenticates and decodes an envelope.
func Open(env Envelope) (Submission, error) {
	var body Body
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return Submission{}, fmt.Errorf("%w: decode body: %v", ErrEncoding, err)
	}
	author, err := ledger.ParseIdentity(string(body.Author))
	if err != nil {
		return Submission{}, fmt.Errorf("%w: author: %v", ErrEncoding, err)
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Submission{}, fmt.Errorf("%w: malformed signature", ErrAuth)
	}
	if !ed25519.Verify(author.PublicKey(), env.Body, sig) {
		return Submission{}, ErrAuth
	}

	op, err := decodeOperation(body.Kind, body.Payload)
	if err != nil {
		return Submission{}, err
	}
	return Submission{ID: env.ID(), Author: author, Op: op}, nil
}
