// Package approval implements the multisig transfer state machine: wallet
// creation, proposals that reserve the sender's funds, and approvals that
// settle a request exactly once when its quorum is reached. Issuance and
// direct single-signature transfers share the same balance rules.
//
// The engine is synchronous and keeps no state of its own. Every handler
// runs against the ledger.Store view handed in by the caller, which owns
// the transaction boundary and must discard the view whenever a handler
// returns an error.
package approval

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/terminal-bench/multisigledger/internal/ledger"
)

// DefaultInitialBalance is credited to every new wallet.
const DefaultInitialBalance uint64 = 100

// Config tunes the engine.
type Config struct {
	InitialBalance uint64
	Quorum         QuorumPolicy
}

// Engine processes wallet, issue, transfer, propose and approve operations.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a new engine
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if cfg.Quorum == "" {
		cfg.Quorum = QuorumUnanimous
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger.With(zap.String("component", "approval"))}
}

// Quorum returns the active quorum policy.
func (e *Engine) Quorum() QuorumPolicy { return e.cfg.Quorum }

// Proposal is the payload of a propose operation.
type Proposal struct {
	To        ledger.Identity
	Amount    uint64
	Approvers []ledger.Identity
	Nonce     uint64
}

// ApproveResult describes the effect of an accepted approval.
type ApproveResult struct {
	Request ledger.PendingRequest `json:"request"`
	// Recorded is false when the signer had already signed.
	Recorded bool `json:"recorded"`
	Signers  int  `json:"signers"`
	Settled  bool `json:"settled"`
}

// CreateWallet opens a wallet for author funded with the initial balance.
func (e *Engine) CreateWallet(ctx context.Context, store ledger.Store, author ledger.Identity, id ledger.RequestID, name string) (ledger.Account, error) {
	if _, err := store.Account(ctx, author); err == nil {
		return ledger.Account{}, ErrWalletAlreadyExists
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, fmt.Errorf("load wallet: %w", err)
	}

	acct := ledger.Account{Identity: author, Name: name, Balance: e.cfg.InitialBalance}
	if err := store.CreateAccount(ctx, acct); err != nil {
		return ledger.Account{}, fmt.Errorf("create wallet: %w", err)
	}
	if err := store.AppendHistory(ctx, author, id); err != nil {
		return ledger.Account{}, fmt.Errorf("append history: %w", err)
	}

	e.logger.Debug("wallet created", zap.String("wallet", string(author)), zap.Uint64("balance", acct.Balance))
	return store.Account(ctx, author)
}

// Issue credits amount to author's own wallet.
func (e *Engine) Issue(ctx context.Context, store ledger.Store, author ledger.Identity, id ledger.RequestID, amount uint64) (ledger.Account, error) {
	if amount == 0 {
		return ledger.Account{}, ErrInvalidAmount
	}
	acct, err := e.resolve(ctx, store, author, ErrReceiverNotFound)
	if err != nil {
		return ledger.Account{}, err
	}
	if acct.Balance > math.MaxUint64-amount {
		return ledger.Account{}, ErrBalanceOverflow
	}

	if err := store.SetBalance(ctx, author, acct.Balance+amount, acct.Reserved); err != nil {
		return ledger.Account{}, fmt.Errorf("credit wallet: %w", err)
	}
	if err := store.AppendHistory(ctx, author, id); err != nil {
		return ledger.Account{}, fmt.Errorf("append history: %w", err)
	}

	e.logger.Debug("funds issued", zap.String("wallet", string(author)), zap.Uint64("amount", amount))
	return store.Account(ctx, author)
}

// Transfer moves amount from the author to another wallet at once. Only
// available funds can be spent; amounts reserved by pending proposals stay
// untouched.
func (e *Engine) Transfer(ctx context.Context, store ledger.Store, from ledger.Identity, id ledger.RequestID, to ledger.Identity, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	sender, err := e.resolve(ctx, store, from, ErrSenderNotFound)
	if err != nil {
		return err
	}
	receiver, err := e.resolve(ctx, store, to, ErrReceiverNotFound)
	if err != nil {
		return err
	}
	if amount > sender.Available() {
		return ErrInsufficientFunds
	}

	self := from == to
	if !self {
		if receiver.Balance > math.MaxUint64-amount {
			return ErrBalanceOverflow
		}
		if err := store.SetBalance(ctx, from, sender.Balance-amount, sender.Reserved); err != nil {
			return fmt.Errorf("debit sender: %w", err)
		}
		if err := store.SetBalance(ctx, to, receiver.Balance+amount, receiver.Reserved); err != nil {
			return fmt.Errorf("credit receiver: %w", err)
		}
	}

	if err := store.AppendHistory(ctx, from, id); err != nil {
		return fmt.Errorf("append sender history: %w", err)
	}
	if !self {
		if err := store.AppendHistory(ctx, to, id); err != nil {
			return fmt.Errorf("append receiver history: %w", err)
		}
	}

	e.logger.Debug("transfer applied",
		zap.String("request_id", string(id)),
		zap.String("sender", string(from)),
		zap.String("receiver", string(to)),
		zap.Uint64("amount", amount),
	)
	return nil
}

// Propose reserves p.Amount of the sender's available funds and records a
// pending request under id. Nothing is written unless every check passes.
func (e *Engine) Propose(ctx context.Context, store ledger.Store, from ledger.Identity, id ledger.RequestID, p Proposal) (ledger.PendingRequest, error) {
	if p.Amount == 0 {
		return ledger.PendingRequest{}, ErrInvalidAmount
	}
	approvers := dedupe(p.Approvers)
	if len(approvers) == 0 {
		return ledger.PendingRequest{}, ErrEmptyApproverSet
	}

	sender, err := e.resolve(ctx, store, from, ErrSenderNotFound)
	if err != nil {
		return ledger.PendingRequest{}, err
	}
	if _, err := e.resolve(ctx, store, p.To, ErrReceiverNotFound); err != nil {
		return ledger.PendingRequest{}, err
	}
	if p.Amount > sender.Available() {
		return ledger.PendingRequest{}, ErrInsufficientFunds
	}
	if _, err := store.Request(ctx, id); err == nil {
		return ledger.PendingRequest{}, ErrRequestAlreadyExists
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.PendingRequest{}, fmt.Errorf("load request: %w", err)
	}

	req := ledger.PendingRequest{
		ID:        id,
		Sender:    from,
		Receiver:  p.To,
		Amount:    p.Amount,
		Approvers: approvers,
		Nonce:     p.Nonce,
		Status:    ledger.StatusPending,
	}
	if err := store.SetBalance(ctx, from, sender.Balance, sender.Reserved+p.Amount); err != nil {
		return ledger.PendingRequest{}, fmt.Errorf("reserve funds: %w", err)
	}
	if err := store.PutRequest(ctx, req); err != nil {
		if errors.Is(err, ledger.ErrAlreadyExists) {
			return ledger.PendingRequest{}, ErrRequestAlreadyExists
		}
		return ledger.PendingRequest{}, fmt.Errorf("store request: %w", err)
	}
	if err := store.AppendHistory(ctx, from, id); err != nil {
		return ledger.PendingRequest{}, fmt.Errorf("append history: %w", err)
	}

	e.logger.Debug("transfer proposed",
		zap.String("request_id", string(id)),
		zap.String("sender", string(from)),
		zap.String("receiver", string(p.To)),
		zap.Uint64("amount", p.Amount),
		zap.Int("approvers", len(approvers)),
	)
	return req, nil
}

// Approve records signer's approval of request id and settles the request
// when the quorum is reached. A repeated approval by the same signer is
// accepted but counted once.
func (e *Engine) Approve(ctx context.Context, store ledger.Store, signer ledger.Identity, id ledger.RequestID) (ApproveResult, error) {
	req, err := store.Request(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return ApproveResult{}, ErrRequestNotFound
	}
	if err != nil {
		return ApproveResult{}, fmt.Errorf("load request: %w", err)
	}
	if req.Status != ledger.StatusPending {
		return ApproveResult{}, ErrAlreadySettled
	}
	if !req.IsApprover(signer) {
		return ApproveResult{}, ErrUnauthorizedApprover
	}

	sender, err := e.resolve(ctx, store, req.Sender, ErrSenderNotFound)
	if err != nil {
		return ApproveResult{}, err
	}
	receiver, err := e.resolve(ctx, store, req.Receiver, ErrReceiverNotFound)
	if err != nil {
		return ApproveResult{}, err
	}

	res := ApproveResult{Request: req}
	signed, err := store.HasSigned(ctx, id, signer)
	if err != nil {
		return ApproveResult{}, fmt.Errorf("check signature: %w", err)
	}
	if !signed {
		if err := store.RecordSignature(ctx, id, signer); err != nil {
			return ApproveResult{}, fmt.Errorf("record signature: %w", err)
		}
		res.Recorded = true
	}

	res.Signers, err = store.CountDistinctSigners(ctx, id)
	if err != nil {
		return ApproveResult{}, fmt.Errorf("count signers: %w", err)
	}
	if !e.cfg.Quorum.Reached(res.Signers, len(req.Approvers)) {
		e.logger.Debug("approval recorded",
			zap.String("request_id", string(id)),
			zap.String("signer", string(signer)),
			zap.Int("signers", res.Signers),
			zap.Int("threshold", e.cfg.Quorum.Threshold(len(req.Approvers))),
		)
		return res, nil
	}

	if err := e.settle(ctx, store, req, sender, receiver); err != nil {
		return ApproveResult{}, err
	}
	res.Request.Status = ledger.StatusSettled
	res.Settled = true
	return res, nil
}

// settle moves the reserved amount from sender to receiver. All checks run
// before the first write.
func (e *Engine) settle(ctx context.Context, store ledger.Store, req ledger.PendingRequest, sender, receiver ledger.Account) error {
	if sender.Balance < req.Amount || sender.Reserved < req.Amount {
		e.logger.Error("reservation invariant violated",
			zap.String("request_id", string(req.ID)),
			zap.String("sender", string(sender.Identity)),
			zap.Uint64("balance", sender.Balance),
			zap.Uint64("reserved", sender.Reserved),
			zap.Uint64("amount", req.Amount),
		)
		return fmt.Errorf("%w: sender %s has balance %d reserved %d for amount %d",
			ErrReservationInvariantViolated, sender.Identity, sender.Balance, sender.Reserved, req.Amount)
	}

	self := sender.Identity == receiver.Identity
	if !self && receiver.Balance > math.MaxUint64-req.Amount {
		return ErrBalanceOverflow
	}

	if self {
		if err := store.SetBalance(ctx, sender.Identity, sender.Balance, sender.Reserved-req.Amount); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
	} else {
		if err := store.SetBalance(ctx, sender.Identity, sender.Balance-req.Amount, sender.Reserved-req.Amount); err != nil {
			return fmt.Errorf("debit sender: %w", err)
		}
		if err := store.SetBalance(ctx, receiver.Identity, receiver.Balance+req.Amount, receiver.Reserved); err != nil {
			return fmt.Errorf("credit receiver: %w", err)
		}
	}

	if err := store.AppendHistory(ctx, sender.Identity, req.ID); err != nil {
		return fmt.Errorf("append sender history: %w", err)
	}
	if !self {
		if err := store.AppendHistory(ctx, receiver.Identity, req.ID); err != nil {
			return fmt.Errorf("append receiver history: %w", err)
		}
	}
	if err := store.SetStatus(ctx, req.ID, ledger.StatusSettled); err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}

	e.logger.Debug("transfer settled",
		zap.String("request_id", string(req.ID)),
		zap.String("sender", string(sender.Identity)),
		zap.String("receiver", string(receiver.Identity)),
		zap.Uint64("amount", req.Amount),
	)
	return nil
}

func (e *Engine) resolve(ctx context.Context, store ledger.AccountReader, id ledger.Identity, missing error) (ledger.Account, error) {
	acct, err := store.Account(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, missing
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("load wallet %s: %w", id, err)
	}
	return acct, nil
}

// dedupe drops repeated approvers, keeping first occurrences in order.
func dedupe(ids []ledger.Identity) []ledger.Identity {
	seen := make(map[ledger.Identity]struct{}, len(ids))
	out := make([]ledger.Identity, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
