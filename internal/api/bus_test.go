package api

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/multisigledger/internal/approval"
	"github.com/terminal-bench/multisigledger/internal/dispatch"
)

type recordingReplier struct {
	replies []dispatch.Result
	err     error
}

func (r *recordingReplier) Reply(_ *nats.Msg, data interface{}) error {
	r.replies = append(r.replies, data.(dispatch.Result))
	return r.err
}

func TestSubmitHandler(t *testing.T) {
	h := newHarness(t)
	s := newKeypair(t)

	t.Run("should apply and reply", func(t *testing.T) {
		rep := &recordingReplier{}
		handle := SubmitHandler(h.server.deps.Submitter, rep, time.Second, nil)

		env, err := dispatch.Sign(s.key, dispatch.CreateWallet{Name: "bus"})
		require.NoError(t, err)
		data, err := json.Marshal(env)
		require.NoError(t, err)

		handle(&nats.Msg{Subject: "multisig.tx.submit", Reply: "_INBOX.1", Data: data})
		require.Len(t, rep.replies, 1)
		assert.Equal(t, approval.CodeOK, rep.replies[0].Code)
		assert.Equal(t, env.ID(), rep.replies[0].RequestID)

		handle(&nats.Msg{Subject: "multisig.tx.submit", Reply: "_INBOX.2", Data: data})
		require.Len(t, rep.replies, 2)
		assert.Equal(t, approval.CodeWalletAlreadyExists, rep.replies[1].Code)
	})

	t.Run("should reply with an encoding error", func(t *testing.T) {
		rep := &recordingReplier{err: errors.New("no responders")}
		handle := SubmitHandler(h.server.deps.Submitter, rep, time.Second, nil)

		handle(&nats.Msg{Subject: "multisig.tx.submit", Data: []byte("not json")})
		require.Len(t, rep.replies, 1)
		assert.Equal(t, dispatch.CodeEncodingError, rep.replies[0].Code)
	})
}
