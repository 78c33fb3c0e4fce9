package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/terminal-bench/multisigledger/internal/ledger"
	"github.com/terminal-bench/multisigledger/pkg/amount"
)

// Kind tags an operation on the wire. Tags are assigned explicitly and must
// never be renumbered.
type Kind uint16

const (
	KindCreateWallet Kind = 1
	KindPropose      Kind = 2
	KindApprove      Kind = 3
	KindIssue        Kind = 4
	KindTransfer     Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindCreateWallet:
		return "create_wallet"
	case KindPropose:
		return "propose"
	case KindApprove:
		return "approve"
	case KindIssue:
		return "issue"
	case KindTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Operation is one of CreateWallet, Propose, Approve, Issue or Transfer.
// The set is closed.
type Operation interface {
	Kind() Kind
	normalize() (Operation, error)
}

// CreateWallet opens a wallet for the author.
type CreateWallet struct {
	Name string `json:"name"`
}

// Propose asks the approvers to co-sign a transfer from the author to To.
type Propose struct {
	To        ledger.Identity   `json:"to"`
	Amount    amount.Units      `json:"amount"`
	Approvers []ledger.Identity `json:"approvers"`
	// Nonce only makes otherwise identical proposals hash differently.
	Nonce uint64 `json:"nonce"`
}

// Approve co-signs a pending request as the author.
type Approve struct {
	RequestID ledger.RequestID `json:"request_id"`
}

// Issue credits new funds to the author's wallet.
type Issue struct {
	Amount amount.Units `json:"amount"`
	Nonce  uint64       `json:"nonce"`
}

// Transfer moves available funds from the author to To without approvals.
type Transfer struct {
	To     ledger.Identity `json:"to"`
	Amount amount.Units    `json:"amount"`
	Nonce  uint64          `json:"nonce"`
}

func (CreateWallet) Kind() Kind { return KindCreateWallet }
func (Propose) Kind() Kind      { return KindPropose }
func (Approve) Kind() Kind      { return KindApprove }
func (Issue) Kind() Kind        { return KindIssue }
func (Transfer) Kind() Kind     { return KindTransfer }

func (op CreateWallet) normalize() (Operation, error) {
	if len(op.Name) > 256 {
		return nil, fmt.Errorf("wallet name longer than 256 bytes")
	}
	return op, nil
}

func (op Propose) normalize() (Operation, error) {
	to, err := ledger.ParseIdentity(string(op.To))
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	op.To = to
	approvers := make([]ledger.Identity, len(op.Approvers))
	for i, a := range op.Approvers {
		if approvers[i], err = ledger.ParseIdentity(string(a)); err != nil {
			return nil, fmt.Errorf("approvers[%d]: %w", i, err)
		}
	}
	op.Approvers = approvers
	return op, nil
}

func (op Approve) normalize() (Operation, error) {
	id, err := ledger.ParseRequestID(string(op.RequestID))
	if err != nil {
		return nil, err
	}
	op.RequestID = id
	return op, nil
}

func (op Issue) normalize() (Operation, error) { return op, nil }

func (op Transfer) normalize() (Operation, error) {
	to, err := ledger.ParseIdentity(string(op.To))
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	op.To = to
	return op, nil
}

// decodeOperation parses the payload of a body tagged kind.
func decodeOperation(kind Kind, payload json.RawMessage) (Operation, error) {
	var op Operation
	var err error
	switch kind {
	case KindCreateWallet:
		var v CreateWallet
		err = json.Unmarshal(payload, &v)
		op = v
	case KindPropose:
		var v Propose
		err = json.Unmarshal(payload, &v)
		op = v
	case KindApprove:
		var v Approve
		err = json.Unmarshal(payload, &v)
		op = v
	case KindIssue:
		var v Issue
		err = json.Unmarshal(payload, &v)
		op = v
	case KindTransfer:
		var v Transfer
		err = json.Unmarshal(payload, &v)
		op = v
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrEncoding, kind, err)
	}
	normalized, err := op.normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %v", ErrEncoding, kind, err)
	}
	return normalized, nil
}
