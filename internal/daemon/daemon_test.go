package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/gateway"
	"github.com/harun/turnloop/pkg/llm/replay"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testLogger(t))
	assert.Error(t, err)

	_, err = New(testConfig(t), nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Model.Provider = "carrier-pigeon"
	_, err = New(cfg, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport")
}

func TestDaemon_StartStop(t *testing.T) {
	cfg := testConfig(t)
	d, _ := newTestDaemon(t, cfg)

	assert.False(t, d.Status().Running)
	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start is rejected")

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.GatewayAddr)
	assert.False(t, status.StartTime.IsZero())
	_, err := os.Stat(filepath.Join(cfg.DataDir, PIDFileName))
	require.NoError(t, err)

	resp, err := http.Get("http://" + status.GatewayAddr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	_, err = os.Stat(filepath.Join(cfg.DataDir, PIDFileName))
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, d.Stop(), "stopping a stopped daemon fails")
}

func TestDaemon_PromptOverGateway(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.SharedSecret = "s3cret"
	d, transport := newTestDaemon(t, cfg, replay.Text("hello from replay"))
	require.NoError(t, d.Start())
	defer d.Stop()

	body, err := json.Marshal(gateway.RPCRequest{
		ID:     "1",
		Method: "agent.prompt",
		Params: map[string]interface{}{"sessionKey": "cli", "message": "hi"},
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "http://"+d.Status().GatewayAddr+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(gateway.SecretHeader, "s3cret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcResp gateway.RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.Nil(t, rpcResp.Error)
	assert.Equal(t, "hello from replay", rpcResp.Result.(map[string]interface{})["text"])

	assert.Equal(t, 1, transport.Calls())
	assert.Equal(t, []string{"cli"}, d.GetRuntime().Sessions())
	assert.Equal(t, 1, d.Status().Sessions)
}

func TestDaemon_MetricsServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"
	d, _ := newTestDaemon(t, cfg)
	require.NotNil(t, d.metricsServer)

	require.NoError(t, d.Start())
	require.NoError(t, d.Stop())
}

func TestDaemon_AuditTrail(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Audit = true
	d, _ := newTestDaemon(t, cfg, replay.Text("audited"))
	require.NoError(t, d.Start())

	a, err := d.GetRuntime().Agent(t.Context(), "audit")
	require.NoError(t, err)
	_, err = a.Patch(t.Context(), agentctx.SetSystemPart("tone", "tone", "Be brief."))
	require.NoError(t, err)

	require.NoError(t, d.Stop())

	path := filepath.Join(cfg.DataDir, "audit.jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"patch"`)
	assert.Contains(t, string(data), `"actor":"audit"`)
}

func TestEventLoop_ProcessTasks(t *testing.T) {
	cfg := testConfig(t)
	d, _ := newTestDaemon(t, cfg, replay.Text("ok"))
	defer d.GetRuntime().Close()

	a, err := d.GetRuntime().Agent(t.Context(), "loop")
	require.NoError(t, err)
	_, err = a.Prompt(t.Context(), agentctx.User("tick"))
	require.NoError(t, err)

	loop := NewEventLoop(d)
	loop.interval = 10 * time.Millisecond
	loop.processTasks()

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}
