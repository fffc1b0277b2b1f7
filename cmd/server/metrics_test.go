package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/natpunch/internal/rendezvous"
)

func newTestHandler(t *testing.T) (http.Handler, rendezvous.StateStore, *rendezvous.Hub) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	state := rendezvous.NewMemoryStore()
	hub := rendezvous.NewHub(10, 10)
	srv := rendezvous.New(conn, state, rendezvous.Options{Hub: hub})
	return newHTTPHandler(state, srv, hub), state, hub
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadiness(t *testing.T) {
	h, state, _ := newTestHandler(t)

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)

	state.SetReady(true)
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	state.SetClosing(true)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)
}

func TestStateAPIAndDashboard(t *testing.T) {
	h, state, hub := newTestHandler(t)

	ctx := context.Background()
	id := uuid.New()
	now := time.Now()
	require.NoError(t, state.OpenChannel(ctx, id, netip.MustParseAddrPort("203.0.113.1:1000"), now))
	_, err := state.RegisterHost(ctx, id, netip.MustParseAddrPort("203.0.113.1:1001"), netip.MustParseAddrPort("10.0.0.2:7777"), now)
	require.NoError(t, err)
	hub.Publish(rendezvous.Event{Time: now, Type: "host", Session: id.String(), From: "203.0.113.1:1001"})

	rec := get(t, h, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Channels)
	assert.Equal(t, 1, st.Hosts)
	require.Len(t, st.Events, 1)
	assert.Equal(t, "host", st.Events[0].Type)

	rec = get(t, h, "/dashboard")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id.String())

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "natpunch_registered_hosts")
}

func TestStatsTemplateMapNewestFirst(t *testing.T) {
	st := Stats{Events: []rendezvous.Event{{Type: "a"}, {Type: "b"}}}
	events := st.ToTemplateMap()["Events"].([]rendezvous.Event)
	assert.Equal(t, "b", events[0].Type)
	assert.Equal(t, "a", events[1].Type)
}
