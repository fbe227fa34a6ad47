package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/flags"
	"github.com/arzzra/callcore/pkg/media/mock"
	"github.com/arzzra/callcore/pkg/signaling"
)

type agentFixture struct {
	mgr   *call.Manager
	store *flags.Memory
	bus   *signaling.Bus
	srv   *httptest.Server
}

func newAgentFixture(t *testing.T) *agentFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := signaling.NewBus()
	store := flags.NewMemory()
	reg := prometheus.NewRegistry()

	mgr, err := call.New("bob", bus.Endpoint("bob"), mock.NewEngine(),
		call.WithLogger(logger),
		call.WithFlags(store),
		call.WithMetrics(reg),
	)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))

	srv := httptest.NewServer(newAPI(mgr, store, reg, logger).routes())
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
		bus.Close()
	})
	return &agentFixture{mgr: mgr, store: store, bus: bus, srv: srv}
}

func (f *agentFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStatusIdle(t *testing.T) {
	f := newAgentFixture(t)

	resp, err := http.Get(f.srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, call.StateIdle, status.State)
	assert.Nil(t, status.Call)
}

func TestPushCreatesRingingSession(t *testing.T) {
	f := newAgentFixture(t)

	resp := f.post(t, "/push", call.Trigger{CallerID: "alice", CallerName: "Alice", Media: "audio", CallID: "c1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	info, ok := f.mgr.Current()
	require.True(t, ok)
	assert.Equal(t, "alice", info.PeerUserID)
	assert.True(t, info.External)

	resp = f.post(t, "/push", call.Trigger{CallerID: "carol", Media: "audio"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.post(t, "/push", map[string]string{"media": "audio"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIntentCancelEndsRingingCall(t *testing.T) {
	f := newAgentFixture(t)
	f.post(t, "/push", call.Trigger{CallerID: "alice", Media: "audio", CallID: "c1"})
	require.Equal(t, call.StateRinging, f.mgr.State())

	resp := f.post(t, "/intent/cancel", intentRequest{PeerID: "alice", CallID: "c1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, call.StateIdle, f.mgr.State())

	pending, err := f.store.GetPending(context.Background())
	require.NoError(t, err)
	assert.True(t, pending.Empty(), "intent is consumed by the reconcile pass")

	resp = f.post(t, "/intent/snooze", intentRequest{PeerID: "alice"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAgentFixture(t)
	f.post(t, "/push", call.Trigger{CallerID: "alice", Media: "audio"})

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "callcore_calls_total")
}
