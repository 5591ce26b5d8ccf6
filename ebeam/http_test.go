package ebeam

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonDecode(resp *http.Response, into interface{}) error {
	return json.NewDecoder(resp.Body).Decode(into)
}

func newTestServer(t *testing.T) (*httptest.Server, *Engine, *Coordinator, *recorder) {
	rec := &recorder{}
	policy := NewPolicy(DefaultSettings())
	engine := NewEngine(rec, policy, nil)
	co := NewCoordinator(engine, rec, policy, nil)

	r := chi.NewRouter()
	r.Use(NewLockout(co).Check)
	NewHTTP(engine, co, policy).RouteTable.Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, engine, co, rec
}

func post(t *testing.T, url, body string) *http.Response {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPVoltageDirectChannel(t *testing.T) {
	srv, _, _, rec := newTestServer(t)

	resp := post(t, srv.URL+"/voltage", `{"channel": "GRID", "voltage": 3.23}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ws := rec.writesFor(Grid)
	require.Len(t, ws, 1)
	assert.Equal(t, 3.23, ws[0].voltage)
}

func TestHTTPVoltageRampedChannelSetsTarget(t *testing.T) {
	srv, engine, _, rec := newTestServer(t)

	resp := post(t, srv.URL+"/voltage", `{"channel": "ENERGY", "voltage": 8.62}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Empty(t, rec.writes, "a ramped intent writes nothing until the next tick")
	snap := engine.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, Energy, snap[0].Channel)
	assert.Equal(t, 8.62, snap[0].Target)
}

func TestHTTPVoltageClampsBeforeRamping(t *testing.T) {
	srv, engine, _, _ := newTestServer(t)

	resp := post(t, srv.URL+"/voltage", `{"channel": "ENERGY", "voltage": 99}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	snap := engine.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 10.0, snap[0].Target)
}

func TestHTTPVoltageRejectsBadInput(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp := post(t, srv.URL+"/voltage", `{"channel": "CATHODE", "voltage": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/voltage", `{"channel": "COMPUTER_CONTROL", "voltage": 5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "the protected line has its own route")

	resp = post(t, srv.URL+"/voltage", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPPreset(t *testing.T) {
	srv, engine, _, _ := newTestServer(t)

	resp := post(t, srv.URL+"/preset", `{"preset": "work"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s := DefaultSettings()
	targets := map[Channel]float64{}
	for _, r := range engine.Snapshot() {
		targets[r.Channel] = r.Target
	}
	assert.Equal(t, s.EnergyWork, targets[Energy])
	assert.Equal(t, s.FilamentWork, targets[Filament])

	resp = post(t, srv.URL+"/preset", `{"preset": "standby"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPLockoutRefusesManualIntents(t *testing.T) {
	srv, engine, co, _ := newTestServer(t)
	parkAtIdle(t, engine)
	_, _, err := co.SetComputerControl(true)
	require.NoError(t, err)

	resp := post(t, srv.URL+"/voltage", `{"channel": "GRID", "voltage": 1}`)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	resp = post(t, srv.URL+"/preset", `{"preset": "idle"}`)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)

	// observation and escape routes stay open
	for _, path := range []string{"/state", "/idle", "/lock"} {
		r, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		r.Body.Close()
		assert.Equal(t, http.StatusOK, r.StatusCode, path)
	}
	resp = post(t, srv.URL+"/computer-control", `{"bool": false}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, co.Locked())
}

func TestHTTPComputerControlReportsDeferral(t *testing.T) {
	srv, engine, _, _ := newTestServer(t)
	require.NoError(t, engine.SetInitialState(Energy, 5.0, 0.08))
	require.NoError(t, engine.SetInitialState(Filament, 5.0, 0.08))

	resp := post(t, srv.URL+"/computer-control", `{"bool": true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d deferredT
	require.NoError(t, jsonDecode(resp, &d))
	assert.True(t, d.Deferred)
	assert.InDelta(t, 26.725, d.DelayS, 1e-9)

	resp = post(t, srv.URL+"/computer-control", `{"bool": true}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a second toggle while one is pending")
}

func TestHTTPStateSnapshot(t *testing.T) {
	srv, engine, _, _ := newTestServer(t)
	require.NoError(t, engine.InitializeDefaults())

	r, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var rs []Reading
	require.NoError(t, jsonDecode(r, &rs))
	require.Len(t, rs, len(Channels()))
	assert.Equal(t, Energy, rs[0].Channel, "snapshot follows display order")
	assert.Equal(t, DefaultSettings().EnergyIdle, rs[0].Current)
}
