package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	WalletCreated = "multisig.wallet_created"
	Proposed      = "multisig.proposed"
	Approved      = "multisig.approved"
	Settled       = "multisig.settled"
	Issued        = "multisig.issued"
	Transferred   = "multisig.transferred"
)

// Event is emitted after an operation commits.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Author    string          `json:"author"`
	Affected  []string        `json:"affected"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WalletData is the payload of WalletCreated.
type WalletData struct {
	Name    string `json:"name"`
	Balance string `json:"balance"`
}

// ProposalData is the payload of Proposed.
type ProposalData struct {
	Sender    string   `json:"sender"`
	Receiver  string   `json:"receiver"`
	Amount    string   `json:"amount"`
	Approvers []string `json:"approvers"`
	Nonce     string   `json:"nonce"`
}

// ApprovalData is the payload of Approved.
type ApprovalData struct {
	Signer    string `json:"signer"`
	Recorded  bool   `json:"recorded"`
	Signers   int    `json:"signers"`
	Approvers int    `json:"approvers"`
}

// IssueData is the payload of Issued.
type IssueData struct {
	Amount  string `json:"amount"`
	Balance string `json:"balance"`
}

// SettlementData is the payload of Settled and Transferred.
type SettlementData struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}

// New builds an event with a fresh id. data is marshalled as the payload.
func New(eventType, requestID, author string, affected []string, data interface{}) (Event, error) {
	ev := Event{
		ID:        uuid.New(),
		Type:      eventType,
		RequestID: requestID,
		Author:    author,
		Affected:  affected,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// Subject returns the bus subject an event is published on.
func Subject(prefix string, ev Event) string {
	if prefix == "" {
		return ev.Type
	}
	return prefix + "." + ev.Type
}
