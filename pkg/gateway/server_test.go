package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/llm/replay"
)

type testAgents struct {
	t         *testing.T
	mu        sync.Mutex
	agents    map[string]*agent.Agent
	responses []replay.Response
}

func (p *testAgents) get(_ context.Context, sessionKey string) (*agent.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[sessionKey]; ok {
		return a, nil
	}
	env, err := agentctx.New(agentctx.Config{
		SystemParts: []agentctx.SystemPart{{Name: "base", Text: "You are a gateway test agent."}},
		Model:       llm.Model{ID: "test-model", Provider: "replay", ContextWindow: 8000},
	})
	require.NoError(p.t, err)
	a, err := agent.New(agent.Options{
		ID:        sessionKey,
		Envelope:  env,
		Transport: replay.New(p.responses...),
		Config:    agent.Config{Logger: zerolog.Nop()},
	})
	require.NoError(p.t, err)
	p.t.Cleanup(func() { _ = a.Close() })
	p.agents[sessionKey] = a
	return a, nil
}

func newTestServer(t *testing.T, secret string, responses ...replay.Response) (*Server, *httptest.Server) {
	t.Helper()
	provider := &testAgents{t: t, agents: make(map[string]*agent.Agent), responses: responses}
	srv, err := NewServer(Config{
		SharedSecret: secret,
		Agents:       provider.get,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func dial(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// call sends a request and returns the events received before its response.
func call(t *testing.T, conn *websocket.Conn, id, method string, params map[string]interface{}) ([]map[string]interface{}, map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"}))
	var events []map[string]interface{}
	for {
		frame := readFrame(t, conn)
		if frame["type"] == "event" {
			events = append(events, frame)
			continue
		}
		if frame["id"] == id {
			return events, frame
		}
	}
}

func TestServer_NewServerValidation(t *testing.T) {
	_, err := NewServer(Config{Port: -1, Agents: (&testAgents{}).get})
	assert.Error(t, err)

	_, err = NewServer(Config{})
	assert.ErrorContains(t, err, "agent provider is required")
}

func TestServer_PromptStreamsEvents(t *testing.T) {
	_, httpSrv := newTestServer(t, "", replay.Text("hello there"))
	conn := dial(t, httpSrv)

	greeting := readFrame(t, conn)
	assert.Equal(t, "auth.success", greeting["event"])

	events, resp := call(t, conn, "1", "agent.prompt", map[string]interface{}{
		"sessionKey": "s1",
		"message":    "hi",
	})
	require.Nil(t, resp["error"])

	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "hello there", result["text"])
	assert.Equal(t, "stop", result["stopReason"])
	assert.Len(t, result["messages"], 2)

	var names []string
	for _, event := range events {
		assert.Equal(t, "s1", event["session_key"])
		names = append(names, event["event"].(string))
	}
	require.NotEmpty(t, names)
	assert.Equal(t, "agent_start", names[0])
	assert.Equal(t, "agent_end", names[len(names)-1])
	assert.Contains(t, names, "message_update")
}

func TestServer_StateSteerAndFollowUp(t *testing.T) {
	_, httpSrv := newTestServer(t, "")
	conn := dial(t, httpSrv)
	readFrame(t, conn)

	_, resp := call(t, conn, "1", "agent.follow_up", map[string]interface{}{"sessionKey": "s1", "message": "later"})
	assert.EqualValues(t, 1, resp["result"].(map[string]interface{})["pending"])

	_, resp = call(t, conn, "2", "agent.steer", map[string]interface{}{"sessionKey": "s1", "message": "now"})
	assert.EqualValues(t, 1, resp["result"].(map[string]interface{})["pending"])

	_, resp = call(t, conn, "3", "agent.state", map[string]interface{}{"sessionKey": "s1"})
	state := resp["result"].(map[string]interface{})
	assert.Equal(t, "s1", state["agentId"])
	assert.Equal(t, false, state["running"])
	assert.EqualValues(t, 1, state["pendingSteering"])
	assert.EqualValues(t, 1, state["pendingFollowUps"])
	assert.Equal(t, "test-model", state["model"])
	assert.Equal(t, []interface{}{"base"}, state["systemParts"])

	_, resp = call(t, conn, "4", "agent.abort", map[string]interface{}{"sessionKey": "s1"})
	assert.Equal(t, false, resp["result"].(map[string]interface{})["aborted"])
}

func TestServer_InvalidParams(t *testing.T) {
	_, httpSrv := newTestServer(t, "")
	conn := dial(t, httpSrv)
	readFrame(t, conn)

	_, resp := call(t, conn, "1", "agent.prompt", map[string]interface{}{"sessionKey": "s1"})
	rpcErr := resp["error"].(map[string]interface{})
	assert.EqualValues(t, InvalidParams, rpcErr["code"])

	_, resp = call(t, conn, "2", "no.such.method", nil)
	assert.EqualValues(t, MethodNotFound, resp["error"].(map[string]interface{})["code"])
}

func TestServer_SubscribeAndUnsubscribe(t *testing.T) {
	srv, httpSrv := newTestServer(t, "")
	conn := dial(t, httpSrv)
	readFrame(t, conn)

	_, resp := call(t, conn, "1", "agent.subscribe", map[string]interface{}{"sessionKey": "s1"})
	assert.Equal(t, true, resp["result"].(map[string]interface{})["subscribed"])

	clients := srv.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, []string{"s1"}, clients[0].Sessions)

	_, resp = call(t, conn, "2", "agent.unsubscribe", map[string]interface{}{"sessionKey": "s1"})
	assert.Equal(t, true, resp["result"].(map[string]interface{})["unsubscribed"])
	assert.Empty(t, srv.Clients()[0].Sessions)
}

func TestServer_ChallengeAuthentication(t *testing.T) {
	_, httpSrv := newTestServer(t, "s3cret")
	conn := dial(t, httpSrv)

	challenge := readFrame(t, conn)
	require.Equal(t, "auth.challenge", challenge["event"])

	_, resp := call(t, conn, "1", "agent.state", map[string]interface{}{"sessionKey": "s1"})
	assert.EqualValues(t, AuthenticationRequired, resp["error"].(map[string]interface{})["code"])

	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "wrong"}))
	failure := readFrame(t, conn)
	assert.Equal(t, "auth.failure", failure["event"])
	assert.EqualValues(t, 2, failure["attemptsLeft"])

	signature := Sign("s3cret", challenge["challenge"].(string))
	require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: signature}))
	assert.Equal(t, "auth.success", readFrame(t, conn)["event"])

	_, resp = call(t, conn, "2", "agent.state", map[string]interface{}{"sessionKey": "s1"})
	assert.Nil(t, resp["error"])
}

func TestServer_ChallengeClosesAfterFailedAttempts(t *testing.T) {
	_, httpSrv := newTestServer(t, "s3cret")
	conn := dial(t, httpSrv)
	readFrame(t, conn)

	for i := 0; i < maxAuthAttempts; i++ {
		require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "wrong"}))
		assert.Equal(t, "auth.failure", readFrame(t, conn)["event"])
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_HTTPRPC(t *testing.T) {
	_, httpSrv := newTestServer(t, "s3cret", replay.Text("over http"))

	post := func(secret string, req RPCRequest) *http.Response {
		body, err := json.Marshal(req)
		require.NoError(t, err)
		httpReq, err := http.NewRequest(http.MethodPost, httpSrv.URL+"/rpc", bytes.NewReader(body))
		require.NoError(t, err)
		if secret != "" {
			httpReq.Header.Set(SecretHeader, secret)
		}
		resp, err := http.DefaultClient.Do(httpReq)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post("", RPCRequest{ID: "1", Method: "agent.state"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post("s3cret", RPCRequest{ID: "2", Method: "agent.prompt", Params: map[string]interface{}{
		"sessionKey": "http", "message": "hi",
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.Nil(t, rpcResp.Error)
	assert.Equal(t, "over http", rpcResp.Result.(map[string]interface{})["text"])

	resp = post("s3cret", RPCRequest{ID: "3", Method: "agent.subscribe", Params: map[string]interface{}{"sessionKey": "http"}})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, InvalidRequest, rpcResp.Error.Code)

	getResp, err := http.Get(httpSrv.URL + "/rpc")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	_, httpSrv := newTestServer(t, "")

	resp, err := http.Get(httpSrv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get(httpSrv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestServer_StartAndStop(t *testing.T) {
	srv, err := NewServer(Config{
		Host:   "127.0.0.1",
		Agents: (&testAgents{t: t, agents: map[string]*agent.Agent{}}).get,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
}

func TestServer_RateLimitsClient(t *testing.T) {
	provider := &testAgents{t: t, agents: make(map[string]*agent.Agent)}
	srv, err := NewServer(Config{RateLimit: 2, Agents: provider.get, Logger: zerolog.Nop()})
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	conn := dial(t, httpSrv)
	readFrame(t, conn)

	for _, id := range []string{"1", "2"} {
		_, resp := call(t, conn, id, "gateway.methods", nil)
		require.Nil(t, resp["error"])
	}
	_, resp := call(t, conn, "3", "gateway.methods", nil)
	assert.EqualValues(t, RateLimitExceeded, resp["error"].(map[string]interface{})["code"])
}

func TestServer_IdempotentPromptRunsOnce(t *testing.T) {
	_, httpSrv := newTestServer(t, "", replay.Text("only once"))
	conn := dial(t, httpSrv)
	readFrame(t, conn)

	send := func(id string) map[string]interface{} {
		require.NoError(t, conn.WriteJSON(RPCRequest{
			ID:             id,
			Method:         "agent.prompt",
			Params:         map[string]interface{}{"sessionKey": "s1", "message": "hi", "watch": false},
			IdempotencyKey: "prompt-1",
		}))
		for {
			frame := readFrame(t, conn)
			if frame["id"] == id {
				return frame
			}
		}
	}

	first := send("1")
	second := send("2")
	require.Nil(t, first["error"])
	require.Nil(t, second["error"])
	assert.Equal(t, "only once", second["result"].(map[string]interface{})["text"])
	assert.Equal(t, "2", second["id"])
}
