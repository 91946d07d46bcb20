package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/cj/internal/boundary"
	"github.com/ent0n29/cj/internal/config"
	"github.com/ent0n29/cj/internal/conversation"
	"github.com/ent0n29/cj/internal/factcheck"
	"github.com/ent0n29/cj/internal/observability"
	"github.com/ent0n29/cj/internal/sanitize"
	"github.com/ent0n29/cj/internal/transcript"
	"github.com/ent0n29/cj/internal/turn"
	"github.com/ent0n29/cj/internal/universe"
	"github.com/ent0n29/cj/internal/workflow"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	convs := conversation.NewManager(time.Minute)
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	verifier := factcheck.NewService(factcheck.Options{
		Workers: 1,
		Cache:   factcheck.NewMemoryCache(16, time.Minute),
		Metrics: metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = verifier.Close(ctx)
	})
	workflows := workflow.NewManager(nil, 0, nil)
	policies := boundary.DefaultRegistry()
	store := transcript.NewInMemoryStore()
	snap := (&universe.Snapshot{Version: "demo-1", Metrics: map[string]float64{"mrr": 48000}}).Normalize()

	orch, err := turn.New(turn.Options{
		Conversations: convs,
		Workflows:     workflows,
		Policies:      policies,
		Sanitizer:     sanitize.MustNew(sanitize.DefaultConfig()),
		Verifier:      verifier,
		Universe:      universe.NewStore(snap),
		Transcript:    store,
		Metrics:       metrics,
	})
	require.NoError(t, err)

	srv := New(config.Config{}, Deps{
		Orchestrator:  orch,
		Conversations: convs,
		Workflows:     workflows,
		Verifier:      verifier,
		Policies:      policies,
		Transcript:    store,
		Metrics:       metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res, out
}

func createConversation(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	res, created := postJSON(t, ts.URL+"/v1/conversations", map[string]string{"merchant_id": "m-1"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id, _ := created["conversation_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, boundary.DefaultVersion, created["cj_version"])
	assert.Equal(t, "none", created["active_workflow"])
	return id
}

func TestCreateAndEndConversation(t *testing.T) {
	ts := newTestServer(t)
	id := createConversation(t, ts)

	res, err := http.Get(ts.URL + "/v1/conversations/" + id)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	endRes, ended := postJSON(t, ts.URL+"/v1/conversations/"+id+"/end", nil)
	assert.Equal(t, http.StatusOK, endRes.StatusCode)
	assert.Equal(t, "ended", ended["status"])

	res, err = http.Get(ts.URL + "/v1/conversations/" + id)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCreateConversationRejectsUnknownVersion(t *testing.T) {
	ts := newTestServer(t)
	res, body := postJSON(t, ts.URL+"/v1/conversations", map[string]string{"merchant_id": "m-1", "cj_version": "v0.0.1"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "unknown_cj_version", body["code"])
}

func TestTurnEndpointSanitizesAndReportsRejections(t *testing.T) {
	ts := newTestServer(t)
	id := createConversation(t, ts)

	res, body := postJSON(t, ts.URL+"/v1/conversations/"+id+"/turns", map[string]any{
		"merchant_text": "how is revenue?",
		"draft":         "Thought: check MRR\nAction: get_mrr\nFinal Answer: Your MRR is $48,000.",
		"tool_calls":    []map[string]any{{"tag": "get_mrr"}, {"tag": "search_tickets"}},
		"workflow_event": map[string]string{
			"type":            "switch_request",
			"target_workflow": "daily_briefing",
		},
		"wait_ms": 2000,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, body)
	assert.Equal(t, "Your MRR is $48,000.", body["reply"])
	assert.Equal(t, "daily_briefing", body["active_workflow"])
	assert.Equal(t, "resolved", body["verification_status"])
	assert.NotEmpty(t, body["verification_key"])

	rejected, _ := body["rejected"].([]any)
	require.Len(t, rejected, 1)
	first, _ := rejected[0].(map[string]any)
	assert.Equal(t, "get_mrr", first["tag"])
	assert.Equal(t, "forbidden", first["outcome"])

	ack, _ := body["workflow_ack"].(map[string]any)
	require.NotNil(t, ack)
	assert.Equal(t, "daily_briefing", ack["to"])

	vres, err := http.Get(ts.URL + "/v1/verifications/" + body["verification_key"].(string))
	require.NoError(t, err)
	defer vres.Body.Close()
	assert.Equal(t, http.StatusOK, vres.StatusCode)
	var report map[string]any
	require.NoError(t, json.NewDecoder(vres.Body).Decode(&report))
	assert.Equal(t, "resolved", report["status"])
}

func TestTurnEndpointValidatesInput(t *testing.T) {
	ts := newTestServer(t)
	id := createConversation(t, ts)

	res, body := postJSON(t, ts.URL+"/v1/conversations/"+id+"/turns", map[string]any{
		"draft":      "hello",
		"tool_calls": []map[string]any{{"tag": ""}},
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])

	res, body = postJSON(t, ts.URL+"/v1/conversations/missing/turns", map[string]any{"draft": "hello"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "conversation_not_found", body["code"])
}

func TestWorkflowEndpoints(t *testing.T) {
	ts := newTestServer(t)
	id := createConversation(t, ts)
	base := ts.URL + "/v1/conversations/" + id

	res, body := postJSON(t, base+"/workflow/events", map[string]string{"type": "system_transition", "target_workflow": "crisis_response"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "crisis_response", body["active_workflow"])
	assert.NotNil(t, body["ack"])

	res, body = postJSON(t, base+"/workflow/events", map[string]string{"type": "system_transition", "target_workflow": "crisis_response"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["collapsed"])
	assert.Nil(t, body["ack"])

	res, body = postJSON(t, base+"/workflow/events", map[string]string{"type": "switch_request", "target_workflow": "quarterly_party"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "unknown_workflow", body["code"])

	mres, err := http.Get(base + "/workflow/next-milestone")
	require.NoError(t, err)
	defer mres.Body.Close()
	var next map[string]any
	require.NoError(t, json.NewDecoder(mres.Body).Decode(&next))
	assert.Equal(t, true, next["advisory"])
}

func TestPoliciesAndHealth(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/policies")
	require.NoError(t, err)
	defer res.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, boundary.DefaultVersion, body["default_version"])

	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency", "/metrics"} {
		res, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
	}
}

func readWSMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestConversationWebsocket(t *testing.T) {
	ts := newTestServer(t)
	id := createConversation(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/conversations/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":            "client_turn",
		"conversation_id": id,
		"merchant_text":   "mrr?",
		"draft":           "Your MRR is $75,000.",
	}))
	result := readWSMessage(t, conn)
	assert.Equal(t, "turn_result", result["type"])
	assert.Equal(t, "Your MRR is $75,000.", result["reply"])

	report := readWSMessage(t, conn)
	assert.Equal(t, "verification_report", report["type"])
	assert.Equal(t, result["verification_key"], report["cache_key"])
	assert.Equal(t, "resolved", report["status"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "client_turn", "conversation_id": "other", "draft": "hi"}))
	mismatch := readWSMessage(t, conn)
	assert.Equal(t, "error_event", mismatch["type"])
	assert.Equal(t, "conversation_mismatch", mismatch["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "client_control", "conversation_id": id, "action": "end"}))
	ended := readWSMessage(t, conn)
	assert.Equal(t, "system_event", ended["type"])
	assert.Equal(t, "conversation_ended", ended["code"])
}

func TestConversationWebsocketUnknownConversation(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/conversations/missing/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
