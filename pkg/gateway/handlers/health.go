package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/vango-go/vai-voicebox/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Check probes one collaborator, e.g. the memory backend.
type Check func(ctx context.Context) error

type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	// Checks run on every probe; a failing check makes the gateway not ready.
	Checks map[string]Check
	// Sessions and Observer feed the informational fields.
	Sessions interface{ Count() int }
	Observer interface{ Connected() bool }
	Loopback bool
	Timeout  time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                bool     `json:"ok"`
		Draining          bool     `json:"draining"`
		Loopback          bool     `json:"loopback"`
		DeviceSessions    int      `json:"device_sessions"`
		ObserverConnected bool     `json:"observer_connected"`
		Issues            []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, len(h.Checks)+1)
	isDraining := h.Lifecycle.IsDraining()
	if isDraining {
		issues = append(issues, "draining")
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.Checks[name](ctx); err != nil {
			issues = append(issues, name+": "+err.Error())
		}
	}

	resp := readyResp{
		OK:       len(issues) == 0,
		Draining: isDraining,
		Loopback: h.Loopback,
		Issues:   issues,
	}
	if h.Sessions != nil {
		resp.DeviceSessions = h.Sessions.Count()
	}
	if h.Observer != nil {
		resp.ObserverConnected = h.Observer.Connected()
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
