package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/terminal-bench/multisigledger/internal/dispatch"
)

// Replier answers request messages. *messaging.Client implements it.
type Replier interface {
	Reply(msg *nats.Msg, data interface{}) error
}

// SubmitHandler returns a NATS message handler that applies envelopes
// received on the bus and replies with the dispatch result.
func SubmitHandler(sub Submitter, replier Replier, timeout time.Duration, logger *zap.Logger) func(*nats.Msg) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bus"))

	return func(msg *nats.Msg) {
		var env dispatch.Envelope
		var res dispatch.Result
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			res = dispatch.Result{Code: dispatch.CodeEncodingError, Log: "invalid envelope"}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			res, _ = sub.Submit(ctx, env)
			cancel()
		}

		if err := replier.Reply(msg, res); err != nil {
			logger.Warn("reply failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	}
}
