package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status values reported by the health endpoints
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// Status is the body of /health and /ready
type Status struct {
	Status    string            `json:"status"`
	Phase     string            `json:"phase,omitempty"`
	Daemons   map[string]string `json:"daemons,omitempty"`
	Message   string            `json:"message,omitempty"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
}

type daemonState struct {
	running bool
	detail  string
	updated time.Time
}

// Registry tracks the bootstrap phase and daemon liveness of one node
type Registry struct {
	mu       sync.RWMutex
	daemons  map[string]daemonState
	required []string
	phase    string
	version  string
	started  time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		daemons: make(map[string]daemonState),
		started: time.Now(),
	}
}

var defaultRegistry = NewRegistry()

// SetVersion sets the version reported by the endpoints
func (r *Registry) SetVersion(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = v
}

// SetPhase records the bootstrap phase in progress
func (r *Registry) SetPhase(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = phase
}

// SetRequired replaces the daemons readiness depends on. On a controller
// these are munged, slurmdbd and slurmctld; on a worker munged and slurmd.
func (r *Registry) SetRequired(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.required = append([]string(nil), names...)
}

// Report records whether a daemon is running
func (r *Registry) Report(name string, running bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.daemons[name] = daemonState{running: running, detail: detail, updated: time.Now()}
}

// Health is unhealthy as soon as any reported daemon has stopped
func (r *Registry) Health() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.status(StatusHealthy)
	for name, d := range r.daemons {
		if d.running {
			s.Daemons[name] = "running"
			continue
		}
		s.Status = StatusUnhealthy
		s.Daemons[name] = "stopped: " + d.detail
	}
	return s
}

// Readiness is ready once every required daemon runs. Before the required
// set is known the node is still bootstrapping.
func (r *Registry) Readiness() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.status(StatusReady)
	if len(r.required) == 0 {
		s.Status = StatusNotReady
		s.Message = "bootstrap in progress"
		return s
	}

	var waiting []string
	for _, name := range r.required {
		d, ok := r.daemons[name]
		switch {
		case !ok:
			s.Daemons[name] = "not started"
			waiting = append(waiting, name)
		case !d.running:
			s.Daemons[name] = "stopped: " + d.detail
			waiting = append(waiting, name)
		default:
			s.Daemons[name] = "running"
		}
	}
	if len(waiting) > 0 {
		sort.Strings(waiting)
		s.Status = StatusNotReady
		s.Message = "waiting for " + waiting[0]
	}
	return s
}

func (r *Registry) status(initial string) Status {
	return Status{
		Status:    initial,
		Phase:     r.phase,
		Daemons:   make(map[string]string),
		Version:   r.version,
		Uptime:    time.Since(r.started).Round(time.Second).String(),
		Timestamp: time.Now(),
	}
}

// SetVersion sets the version on the default registry
func SetVersion(v string) { defaultRegistry.SetVersion(v) }

// SetPhase records the phase on the default registry
func SetPhase(phase string) { defaultRegistry.SetPhase(phase) }

// SetRequired sets the required daemons on the default registry
func SetRequired(names ...string) { defaultRegistry.SetRequired(names...) }

// ReportDaemon records daemon liveness on the default registry
func ReportDaemon(name string, running bool, detail string) {
	defaultRegistry.Report(name, running, detail)
}

// HealthHandler serves /health: 200 when no daemon has stopped, 503 otherwise
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := defaultRegistry.Health()
		code := http.StatusOK
		if s.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, s)
	}
}

// ReadyHandler serves /ready: 200 once every required daemon runs
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := defaultRegistry.Readiness()
		code := http.StatusOK
		if s.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, s)
	}
}

// LivenessHandler serves /live, which only proves the process answers
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(defaultRegistry.started).Round(time.Second).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
