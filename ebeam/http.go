package ebeam

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
)

// MethodPath is a route table key.
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps method+path pairs to handlers.
type RouteTable map[MethodPath]http.HandlerFunc

// Bind attaches every route in the table to a chi router.
func (rt RouteTable) Bind(r chi.Router) {
	for mp, handler := range rt {
		r.Method(mp.Method, mp.Path, handler)
	}
}

// HTTP wraps the engine and coordinator in the instrument's HTTP interface.
// Intents flow in as small JSON documents; observations flow out the same
// way.  This is the presentation boundary: anything a front panel can do,
// these routes can do.
type HTTP struct {
	engine *Engine
	co     *Coordinator
	policy *Policy

	RouteTable RouteTable
}

// NewHTTP builds the route table over an engine and coordinator.
func NewHTTP(engine *Engine, co *Coordinator, policy *Policy) HTTP {
	h := HTTP{engine: engine, co: co, policy: policy}
	h.RouteTable = RouteTable{
		{Method: http.MethodPost, Path: "/voltage"}:          h.setVoltage,
		{Method: http.MethodPost, Path: "/preset"}:           h.setPreset,
		{Method: http.MethodPost, Path: "/computer-control"}: h.setComputerControl,
		{Method: http.MethodPost, Path: "/shutdown"}:         h.shutdown,
		{Method: http.MethodGet, Path: "/state"}:             h.getState,
		{Method: http.MethodGet, Path: "/idle"}:              h.getIdle,
		{Method: http.MethodGet, Path: "/lock"}:              h.getLock,
	}
	return h
}

type channelVoltage struct {
	Channel Channel `json:"channel"`

	Voltage float64 `json:"voltage"`
}

// setVoltage routes a voltage intent: ramped channels go through the ramp
// engine at their policy rate, direct channels are written immediately.
func (h HTTP) setVoltage(w http.ResponseWriter, r *http.Request) {
	var input channelVoltage
	err := json.NewDecoder(r.Body).Decode(&input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	row, ok := h.policy.Row(input.Channel)
	if !ok {
		http.Error(w, fmt.Sprintf("channel %d not in policy table", int(input.Channel)), http.StatusBadRequest)
		return
	}
	if input.Channel == ComputerControl {
		http.Error(w, "COMPUTER_CONTROL is toggled via /computer-control", http.StatusBadRequest)
		return
	}
	v := h.policy.Clamp(input.Channel, input.Voltage)
	if row.Ramped {
		h.engine.SetTarget(input.Channel, v, row.Rate)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.engine.Direct(input.Channel, v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type presetT struct {
	Preset string `json:"preset"`
}

func (h HTTP) setPreset(w http.ResponseWriter, r *http.Request) {
	var input presetT
	err := json.NewDecoder(r.Body).Decode(&input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := ParsePreset(input.Preset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.engine.ApplyPreset(p)
	w.WriteHeader(http.StatusOK)
}

type boolT struct {
	Bool bool `json:"bool"`
}

type deferredT struct {
	Deferred bool    `json:"deferred"`
	DelayS   float64 `json:"delayS"`
}

func (h HTTP) setComputerControl(w http.ResponseWriter, r *http.Request) {
	var input boolT
	err := json.NewDecoder(r.Body).Decode(&input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	deferred, delay, err := h.co.SetComputerControl(input.Bool)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(deferredT{Deferred: deferred, DelayS: delay.Seconds()})
}

func (h HTTP) shutdown(w http.ResponseWriter, r *http.Request) {
	deferred, delay := h.co.Shutdown()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(deferredT{Deferred: deferred, DelayS: delay.Seconds()})
}

func (h HTTP) getState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(h.engine.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h HTTP) getIdle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(boolT{Bool: h.co.Idle()})
}

func (h HTTP) getLock(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(boolT{Bool: h.co.Locked()})
}
