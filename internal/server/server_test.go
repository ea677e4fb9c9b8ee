package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custody/internal/auth"
	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/config"
	"github.com/mbd888/custody/internal/keystore"
	"github.com/mbd888/custody/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubGateway reports empty wallets and never moves funds.
type stubGateway struct{}

func (stubGateway) Name() string { return "base-sepolia" }
func (stubGateway) Balance(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (stubGateway) EstimateFee(context.Context) (*chain.FeeQuote, error) {
	return chain.NewFeeQuote(big.NewInt(1_000_000_000), chain.NativeTransferGas), nil
}
func (stubGateway) SubmitTransfer(context.Context, *ecdsa.PrivateKey, string, *big.Int, *chain.FeeQuote) (string, error) {
	return "", chain.ErrRPCConnection
}
func (stubGateway) Receipt(_ context.Context, hash string) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: hash, Status: chain.ReceiptPending}, nil
}
func (stubGateway) Ping(context.Context) error { return nil }

const adminSecret = "test-admin-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	identity, _, err := keystore.GenerateIdentity()
	require.NoError(t, err)

	cfg := &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		ChainName:           "base-sepolia",
		RPCURL:              "http://127.0.0.1:0",
		ChainID:             84532,
		ChainSymbol:         "ETH",
		ChainDecimals:       18,
		CustodyAgeIdentity:  identity,
		AdminSecret:         adminSecret,
		AdminRateLimit:      3,
		AdminRateWindow:     time.Minute,
		RetryMaxAttempts:    5,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       time.Minute,
		RetryBatchSize:      10,
		RetrySweepInterval:  time.Minute,
		RetryRetentionDays:  30,
		RetryLease:          time.Minute,
		ConfirmTimeout:      time.Second,
		FundingPollInterval: time.Minute,
		ReconcileInterval:   time.Minute,
	}
	s, err := New(cfg,
		WithGateway(stubGateway{}),
		WithLogger(logging.NewWithWriter(&bytes.Buffer{}, "error", "text")),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.adminLimiter.Stop()
	})
	return s
}

type actor struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newActor(t *testing.T) actor {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return actor{key: key, addr: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
}

func (a actor) sign(t *testing.T, req *http.Request) {
	t.Helper()
	ts := time.Now().Unix()
	sig, err := crypto.Sign(auth.HashMessage(auth.Message(req.Method, req.URL.Path, ts)), a.key)
	require.NoError(t, err)
	sig[64] += 27
	req.Header.Set(auth.HeaderActorAddress, a.addr)
	req.Header.Set(auth.HeaderActorSignature, "0x"+hex.EncodeToString(sig))
	req.Header.Set(auth.HeaderActorTimestamp, strconv.FormatInt(ts, 10))
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	w := do(s, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(s, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthReportsStoppedWorkers(t *testing.T) {
	s := newTestServer(t)

	w := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string `json:"status"`
		Checks []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)

	byName := map[string]bool{}
	for _, c := range body.Checks {
		byName[c.Name] = c.Healthy
	}
	assert.True(t, byName["chain"])
	assert.False(t, byName["retry_timer"])
	assert.NotContains(t, byName, "database")
}

func TestMetricsAndInfo(t *testing.T) {
	s := newTestServer(t)

	w := do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, httptest.NewRequest(http.MethodGet, "/v1/auth/info", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(s, httptest.NewRequest(http.MethodGet, "/v1/chains", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "base-sepolia")
	assert.Contains(t, w.Body.String(), `"circuits":{"base-sepolia":"closed"}`)
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	buyer, seller := newActor(t), newActor(t)

	body := map[string]string{"buyerAddr": buyer.addr, "sellerAddr": seller.addr, "amount": "0.5"}

	unsigned := jsonRequest(t, http.MethodPost, "/v1/escrows", body)
	assert.Equal(t, http.StatusUnauthorized, do(s, unsigned).Code)

	wrongActor := jsonRequest(t, http.MethodPost, "/v1/escrows", body)
	seller.sign(t, wrongActor)
	assert.Equal(t, http.StatusForbidden, do(s, wrongActor).Code)

	req := jsonRequest(t, http.MethodPost, "/v1/escrows", body)
	buyer.sign(t, req)
	w := do(s, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Escrow struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			CustodyAddress string `json:"custodyAddress"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "pending", created.Escrow.Status)
	assert.NotEmpty(t, created.Escrow.CustodyAddress)
	assert.NotContains(t, w.Body.String(), "encryptedKey")

	id := created.Escrow.ID
	w = do(s, httptest.NewRequest(http.MethodGet, "/v1/escrows/"+id, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Nothing deposited, so it stays pending.
	w = do(s, jsonRequest(t, http.MethodPost, "/v1/escrows/"+id+"/fund-check", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pending"`)

	release := jsonRequest(t, http.MethodPost, "/v1/escrows/"+id+"/release", nil)
	buyer.sign(t, release)
	assert.Equal(t, http.StatusConflict, do(s, release).Code)
}

func TestAllocationsArePublic(t *testing.T) {
	s := newTestServer(t)

	w := do(s, jsonRequest(t, http.MethodPost, "/v1/allocations", map[string]interface{}{
		"total":       "1",
		"percentages": []string{"50", "50"},
	}))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	w := do(s, httptest.NewRequest(http.MethodGet, "/v1/admin/retries/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/retries/stats", nil)
	req.Header.Set(auth.HeaderAdminSecret, "wrong")
	assert.Equal(t, http.StatusForbidden, do(s, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/retries/stats", nil)
	req.Header.Set(auth.HeaderAdminSecret, adminSecret)
	assert.Equal(t, http.StatusOK, do(s, req).Code)

	// Limit is 3 per window, shared across the attempts above.
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/retries/process", nil)
	req.Header.Set(auth.HeaderAdminSecret, adminSecret)
	assert.Equal(t, http.StatusTooManyRequests, do(s, req).Code)
}

func TestReconciliationOverAdmin(t *testing.T) {
	s := newTestServer(t)
	buyer, seller := newActor(t), newActor(t)

	req := jsonRequest(t, http.MethodPost, "/v1/escrows", map[string]string{
		"buyerAddr": buyer.addr, "sellerAddr": seller.addr, "amount": "1",
	})
	buyer.sign(t, req)
	require.Equal(t, http.StatusCreated, do(s, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil)
	req.Header.Set(auth.HeaderAdminSecret, adminSecret)
	assert.Equal(t, http.StatusNotFound, do(s, req).Code)

	// Pending escrows hold nothing yet, so the run is balanced.
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation/run", nil)
	req.Header.Set(auth.HeaderAdminSecret, adminSecret)
	w := do(s, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"balanced":true`)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/custody", maskDSN("postgres://app:hunter2@db:5432/custody"))
	assert.Equal(t, "postgres://app:***@db:5432/custody?sslmode=disable",
		maskDSN("postgres://app:p%40ss@db:5432/custody?sslmode=disable"))
	assert.Equal(t, "postgres://app@db/custody", maskDSN("postgres://app@db/custody"))
	assert.Equal(t, "***", maskDSN("host=db user=app password=hunter2"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
