package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/multisigledger/internal/approval"
	"github.com/terminal-bench/multisigledger/internal/dispatch"
	"github.com/terminal-bench/multisigledger/internal/ledger"
	"github.com/terminal-bench/multisigledger/internal/ledger/memory"
	"github.com/terminal-bench/multisigledger/internal/metrics"
	"github.com/terminal-bench/multisigledger/pkg/amount"
	"github.com/terminal-bench/multisigledger/shared/events"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type keypair struct {
	id  ledger.Identity
	key ed25519.PrivateKey
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return keypair{id: ledger.Identity(hex.EncodeToString(pub)), key: priv}
}

type harness struct {
	t       *testing.T
	server  *Server
	hub     *Hub
	admin   *AdminAuth
	metrics *metrics.Collector
}

func newHarness(t *testing.T) *harness {
	backend := memory.New()
	collector := metrics.NewCollector("test")
	hub := NewHub(zap.NewNop(), collector.StreamClients)
	engine := approval.NewEngine(approval.Config{InitialBalance: 100, Quorum: approval.QuorumUnanimous}, zap.NewNop())
	d := dispatch.New(backend, engine, zap.NewNop(), dispatch.WithSinks(hub), dispatch.WithRecorder(collector))
	admin := NewAdminAuth("operator-secret")

	return &harness{
		t:   t,
		hub: hub,
		server: NewServer(Deps{
			Submitter: d,
			Backend:   backend,
			Quorum:    approval.QuorumUnanimous,
			Hub:       hub,
			Admin:     admin,
			Metrics:   collector,
		}),
		admin:   admin,
		metrics: collector,
	}
}

func (h *harness) do(method, path string, body []byte, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) submit(k keypair, op dispatch.Operation) (*httptest.ResponseRecorder, dispatch.Envelope) {
	env, err := dispatch.Sign(k.key, op)
	require.NoError(h.t, err)
	body, err := json.Marshal(env)
	require.NoError(h.t, err)
	return h.do(http.MethodPost, "/api/v1/transactions", body), env
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestTransactionFlow(t *testing.T) {
	h := newHarness(t)
	s, r, x, y := newKeypair(t), newKeypair(t), newKeypair(t), newKeypair(t)

	for _, k := range []keypair{s, r, x, y} {
		rec, _ := h.submit(k, dispatch.CreateWallet{Name: "w"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec, env := h.submit(s, dispatch.Propose{To: r.id, Amount: 40, Approvers: []ledger.Identity{x.id, y.id}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := string(env.ID())
	assert.Equal(t, id, decode(t, rec)["request_id"])

	t.Run("should show the reservation on the sender", func(t *testing.T) {
		rec := h.do(http.MethodGet, "/api/v1/wallets/"+string(s.id), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "100", body["balance"])
		assert.Equal(t, "40", body["reserved"])
		assert.Equal(t, "60", body["available"])
	})

	t.Run("should report partial approval", func(t *testing.T) {
		rec, _ := h.submit(x, dispatch.Approve{RequestID: ledger.RequestID(id)})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "approval recorded (1/2)", decode(t, rec)["log"])

		rec = h.do(http.MethodGet, "/api/v1/multisig/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "pending", body["status"])
		assert.Equal(t, "40", body["amount"])
		assert.Equal(t, 1.0, body["signers"])
		assert.Len(t, body["signatures"], 1)
	})

	t.Run("should settle on the final approval", func(t *testing.T) {
		rec, _ := h.submit(y, dispatch.Approve{RequestID: ledger.RequestID(id)})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "transfer settled", decode(t, rec)["log"])

		body := decode(t, h.do(http.MethodGet, "/api/v1/wallets/"+string(r.id), nil))
		assert.Equal(t, "140", body["balance"])

		body = decode(t, h.do(http.MethodGet, "/api/v1/wallets/"+string(s.id), nil))
		assert.Equal(t, "60", body["balance"])
		assert.Equal(t, "0", body["reserved"])

		hist := decode(t, h.do(http.MethodGet, "/api/v1/wallets/"+string(s.id)+"/history", nil))
		assert.Equal(t, []interface{}{id}, hist["history"])
	})

	t.Run("should reject a second settlement attempt", func(t *testing.T) {
		rec, _ := h.submit(y, dispatch.Approve{RequestID: ledger.RequestID(id)})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, float64(approval.CodeAlreadySettled), decode(t, rec)["code"])
	})
}

func TestTransactionErrors(t *testing.T) {
	h := newHarness(t)
	s, r := newKeypair(t), newKeypair(t)
	rec, _ := h.submit(s, dispatch.CreateWallet{})
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("should map user errors to 422", func(t *testing.T) {
		rec, _ := h.submit(s, dispatch.Propose{To: r.id, Amount: 0, Approvers: []ledger.Identity{r.id}})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, float64(approval.CodeInvalidAmount), decode(t, rec)["code"])
	})

	t.Run("should map a bad signature to 400", func(t *testing.T) {
		env, err := dispatch.Sign(s.key, dispatch.CreateWallet{})
		require.NoError(t, err)
		env.Signature = strings.Repeat("00", ed25519.SignatureSize)
		body, err := json.Marshal(env)
		require.NoError(t, err)

		rec := h.do(http.MethodPost, "/api/v1/transactions", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, float64(dispatch.CodeAuthError), decode(t, rec)["code"])
	})

	t.Run("should reject a malformed envelope", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/transactions", []byte("{"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, float64(dispatch.CodeEncodingError), decode(t, rec)["code"])
	})

	t.Run("should validate path parameters", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/v1/wallets/nothex", nil).Code)
		assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/v1/wallets/"+string(r.id), nil).Code)
		assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/v1/wallets/"+string(r.id)+"/history", nil).Code)
		assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/v1/multisig/xyz", nil).Code)
		assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/v1/multisig/"+strings.Repeat("ab", ledger.DigestSize), nil).Code)
	})
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor(approval.CodeOK))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(approval.CodeInsufficientFunds))
	assert.Equal(t, http.StatusInternalServerError, statusFor(approval.CodeReservationInvariantViolated))
	assert.Equal(t, http.StatusInternalServerError, statusFor(dispatch.CodeInternalError))
	assert.Equal(t, http.StatusBadRequest, statusFor(dispatch.CodeUnknownOperation))
}

func TestAdmin(t *testing.T) {
	h := newHarness(t)
	s := newKeypair(t)
	rec, _ := h.submit(s, dispatch.CreateWallet{})
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("should require a token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/v1/admin/state", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/v1/admin/state", nil, "Authorization", "Bearer junk").Code)
	})

	t.Run("should return the state hash", func(t *testing.T) {
		token, err := h.admin.Issue("ops", time.Minute)
		require.NoError(t, err)

		rec := h.do(http.MethodGet, "/api/v1/admin/state", nil, "Authorization", "Bearer "+token)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, 1.0, body["wallets"])
		assert.Equal(t, "unanimous", body["quorum_policy"])
		assert.Len(t, body["state_hash"], 2*ledger.DigestSize)
	})

	t.Run("should not route admin without a secret", func(t *testing.T) {
		srv := NewServer(Deps{Backend: memory.New(), Admin: NewAdminAuth("")})
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/state", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAdminAuthVerify(t *testing.T) {
	auth := NewAdminAuth("secret")

	t.Run("should round trip", func(t *testing.T) {
		token, err := auth.Issue("ops", time.Minute)
		require.NoError(t, err)
		claims, err := auth.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "ops", claims.Subject)
	})

	t.Run("should reject expired tokens", func(t *testing.T) {
		token, err := auth.Issue("ops", -time.Minute)
		require.NoError(t, err)
		_, err = auth.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject another secret", func(t *testing.T) {
		token, err := NewAdminAuth("other").Issue("ops", time.Minute)
		require.NoError(t, err)
		_, err = auth.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject unsigned tokens", func(t *testing.T) {
		claims := AdminClaims{Role: adminRole, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = auth.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject tokens without the admin role", func(t *testing.T) {
		claims := AdminClaims{Role: "trader", RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = auth.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodGet, "/health", nil)
	s := newKeypair(t)
	h.submit(s, dispatch.CreateWallet{})

	rec := h.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `route="/health"`)
	assert.Contains(t, body, `kind="create_wallet"`)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestStream(t *testing.T) {
	t.Run("should deliver committed events", func(t *testing.T) {
		h := newHarness(t)
		srv := httptest.NewServer(h.server.Handler())
		defer srv.Close()

		conn := dial(t, srv, "")
		require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

		s := newKeypair(t)
		rec, env := h.submit(s, dispatch.CreateWallet{Name: "main"})
		require.Equal(t, http.StatusOK, rec.Code)

		ev := readEvent(t, conn)
		assert.Equal(t, events.WalletCreated, ev.Type)
		assert.Equal(t, string(env.ID()), ev.RequestID)
		assert.Equal(t, string(s.id), ev.Author)
	})

	t.Run("should filter by wallet", func(t *testing.T) {
		h := newHarness(t)
		srv := httptest.NewServer(h.server.Handler())
		defer srv.Close()

		alice, bob := newKeypair(t), newKeypair(t)
		conn := dial(t, srv, "?wallet="+string(alice.id))
		require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

		h.submit(bob, dispatch.CreateWallet{})
		h.submit(alice, dispatch.CreateWallet{})

		ev := readEvent(t, conn)
		assert.Equal(t, string(alice.id), ev.Author)
	})

	t.Run("should match a filter given in upper case", func(t *testing.T) {
		h := newHarness(t)
		srv := httptest.NewServer(h.server.Handler())
		defer srv.Close()

		alice, bob := newKeypair(t), newKeypair(t)
		conn := dial(t, srv, "?wallet="+strings.ToUpper(string(alice.id)))
		require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

		h.submit(bob, dispatch.CreateWallet{})
		h.submit(alice, dispatch.CreateWallet{})

		ev := readEvent(t, conn)
		assert.Equal(t, string(alice.id), ev.Author)
	})

	t.Run("should reject a malformed wallet filter", func(t *testing.T) {
		h := newHarness(t)
		srv := httptest.NewServer(h.server.Handler())
		defer srv.Close()

		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?wallet=nobody"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, 0, h.hub.Clients())
	})

	t.Run("should drop clients on close", func(t *testing.T) {
		h := newHarness(t)
		srv := httptest.NewServer(h.server.Handler())
		defer srv.Close()

		dial(t, srv, "")
		require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

		h.server.Shutdown()
		assert.Equal(t, 0, h.hub.Clients())
		assert.NoError(t, h.hub.Emit(context.Background(), events.Event{Type: events.Approved}))
	})
}

func TestWalletViewAmounts(t *testing.T) {
	raw, err := json.Marshal(walletView{Balance: amount.Units(7)})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"balance":"7"`)
}
