package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Danservfinn/kurultai-sub006/internal/delegation"
	"github.com/Danservfinn/kurultai-sub006/internal/graph"
	"github.com/Danservfinn/kurultai-sub006/internal/hmacsig"
	"github.com/Danservfinn/kurultai-sub006/internal/observability"
)

const (
	testToken  = "gateway-token-0123456789abcdef-0123456789abcdef"
	testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

type apiStore struct {
	published  []string // "agent/type"
	publishErr error
	rateErr    error
	rateChecks int
	pingErr    error
	degraded   bool
	journal    int
}

func (s *apiStore) CheckRateLimit(_ context.Context, _ graph.AgentID, _ string, _ int) (int, error) {
	s.rateChecks++
	if s.rateErr != nil {
		return 0, s.rateErr
	}
	return s.rateChecks, nil
}

func (s *apiStore) PublishNotification(_ context.Context, agent graph.AgentID, notifType, _, _ string) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, string(agent)+"/"+notifType)
	return nil
}

func (s *apiStore) Ping(_ context.Context) error { return s.pingErr }
func (s *apiStore) Degraded() bool               { return s.degraded }
func (s *apiStore) JournalLen() int              { return s.journal }

func (s *apiStore) NodeCounts(_ context.Context) (map[string]int64, error) {
	return map[string]int64{"agents": 6, "tasks": 2}, nil
}

type gatewayStub struct {
	healthy bool
}

func (g *gatewayStub) Healthy() bool { return g.healthy }

type testHarness struct {
	handler http.Handler
	store   *apiStore
	gateway *gatewayStub
	keyring *hmacsig.Keyring
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	keyring, err := hmacsig.NewKeyring(testSecret)
	require.NoError(t, err)

	hashes := keyProvider{hashes: map[graph.AgentID]string{}}
	epoch := hmacsig.Epoch(time.Now())
	for id := range graph.KnownAgents {
		hashes.hashes[id] = hmacsig.KeyHash(keyring.DeriveKey(id, epoch))
	}

	store := &apiStore{}
	gateway := &gatewayStub{healthy: true}
	reg := prometheus.NewRegistry()
	handler := NewRouter(RouterConfig{
		Messages:     store,
		Health:       store,
		Gateway:      gateway,
		Verifier:     hmacsig.NewVerifier(keyring, hashes, zaptest.NewLogger(t)),
		GatewayToken: testToken,
		Metrics:      observability.New(reg),
		Registry:     reg,
		Logger:       zaptest.NewLogger(t),
	})
	return &testHarness{handler: handler, store: store, gateway: gateway, keyring: keyring}
}

type keyProvider struct {
	hashes map[graph.AgentID]string
}

func (p keyProvider) ActiveKeyHash(_ context.Context, agent graph.AgentID) (string, error) {
	h, ok := p.hashes[agent]
	if !ok {
		return "", graph.ErrNotFound
	}
	return h, nil
}

func (h *testHarness) signedMessage(t *testing.T, from, to graph.AgentID, token string) *http.Request {
	t.Helper()
	body, err := json.Marshal(delegation.Message{
		TaskID:      "task-1",
		Type:        "research",
		DelegatedBy: from,
		Priority:    graph.PriorityNormal,
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/agent/"+string(to)+"/message", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	key := h.keyring.DeriveKey(from, hmacsig.Epoch(time.Now()))
	hmacsig.SignRequest(req, string(from), key, body)
	return req
}

func TestMessageAccepted(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, h.signedMessage(t, graph.AgentMain, graph.AgentResearcher, testToken))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"researcher/message"}, h.store.published)

	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Data["status"])
	assert.Equal(t, "task-1", resp.Data["task_id"])
}

func TestMessageBadBearer(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, h.signedMessage(t, graph.AgentMain, graph.AgentResearcher, "wrong-token"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.store.published)
}

func TestMessageBadSignature(t *testing.T) {
	h := newHarness(t)
	req := h.signedMessage(t, graph.AgentMain, graph.AgentResearcher, testToken)
	req.Header.Set("X-Signature", "0000000000000000000000000000000000000000000000000000000000000000")

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMessageUniform401Body(t *testing.T) {
	h := newHarness(t)

	badBearer := httptest.NewRecorder()
	h.handler.ServeHTTP(badBearer, h.signedMessage(t, graph.AgentMain, graph.AgentOps, "nope"))

	badSig := h.signedMessage(t, graph.AgentMain, graph.AgentOps, testToken)
	badSig.Header.Set("X-Nonce", "different-nonce")
	badSigRec := httptest.NewRecorder()
	h.handler.ServeHTTP(badSigRec, badSig)

	assert.Equal(t, badBearer.Code, badSigRec.Code)
	assert.JSONEq(t, badBearer.Body.String(), badSigRec.Body.String(),
		"every auth failure returns the identical body")
}

func TestMessageSenderSpoofRejected(t *testing.T) {
	h := newHarness(t)

	// Signed as ops but claiming to be main in the payload.
	body, err := json.Marshal(delegation.Message{TaskID: "t", Type: "x", DelegatedBy: graph.AgentMain})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/agent/writer/message", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	key := h.keyring.DeriveKey(graph.AgentOps, hmacsig.Epoch(time.Now()))
	hmacsig.SignRequest(req, string(graph.AgentOps), key, body)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMessageUnknownAgent(t *testing.T) {
	h := newHarness(t)
	req := h.signedMessage(t, graph.AgentMain, graph.AgentID("nobody"), testToken)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessageRateLimited(t *testing.T) {
	h := newHarness(t)
	h.store.rateErr = graph.ErrRateLimited

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, h.signedMessage(t, graph.AgentMain, graph.AgentDeveloper, testToken))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, h.store.published, "over-limit messages never land")
}

func TestMessageDegradedStore(t *testing.T) {
	h := newHarness(t)
	h.store.publishErr = graph.ErrDegraded

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, h.signedMessage(t, graph.AgentMain, graph.AgentAnalyst, testToken))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	h.gateway.healthy = false
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "liveness stays 200 while deps degrade")
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"gateway":"unreachable"`)
	h.gateway.healthy = true

	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/graph", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agents":6`)

	h.store.pingErr = graph.ErrDegraded
	h.store.degraded = true
	h.store.journal = 12
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/graph", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"journal_depth":12`)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
