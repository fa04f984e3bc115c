// Package activation exposes the hosted classes to remote callers over HTTP.
//
// Each successful activation takes one lifecycle hold and each release gives
// it back, so the server stays up exactly as long as a remote instance is
// alive. Method invocation on instances is outside this package.
package activation

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/guid"
	"github.com/zjrosen/servhost/internal/lifecycle"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/tracing"
)

// live is one activated instance.
type live struct {
	id        string
	class     catalog.Record
	instance  catalog.Instance
	createdAt time.Time
}

// Handler serves the activation API.
type Handler struct {
	catalog *catalog.Catalog
	holds   *lifecycle.Coordinator
	tracer  trace.Tracer

	detached atomic.Bool
	// crash is called with a hold underflow. It must not return in
	// production.
	crash func(v any)

	mu        sync.Mutex
	instances map[string]*live
}

// NewHandler returns a handler activating classes from cat.
func NewHandler(cat *catalog.Catalog, holds *lifecycle.Coordinator, tracer trace.Tracer) *Handler {
	return &Handler{
		catalog:   cat,
		holds:     holds,
		tracer:    tracer,
		crash:     crashProcess,
		instances: make(map[string]*live),
	}
}

// releaseHold gives one hold back. net/http recovers handler panics, so a
// hold underflow is re-raised on a goroutine of its own where it ends the
// process.
func (h *Handler) releaseHold() (holds int64) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		var underflow *lifecycle.HoldUnderflowError
		if err, ok := v.(error); ok && errors.As(err, &underflow) {
			log.Error(log.CatActivation, "hold underflow", "count", underflow.Count)
			h.crash(v)
			holds = h.holds.Count()
			return
		}
		panic(v)
	}()
	return h.holds.ReleaseHold()
}

func crashProcess(v any) {
	go func() { panic(v) }()
	select {}
}

// Routes returns the API routes.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /classes", h.ListClasses)
	mux.HandleFunc("POST /classes/{clsid}/instances", h.Activate)
	mux.HandleFunc("GET /instances", h.ListInstances)
	mux.HandleFunc("DELETE /instances/{id}", h.Release)
	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// ClassResponse describes one hosted class.
type ClassResponse struct {
	CLSID                    string `json:"clsid"`
	Name                     string `json:"name"`
	ProgID                   string `json:"progid"`
	VersionIndependentProgID string `json:"version_independent_progid"`
	LibraryID                string `json:"library_id"`
}

// InstanceResponse describes one live instance.
type InstanceResponse struct {
	ID        string    `json:"id"`
	CLSID     string    `json:"clsid"`
	ProgID    string    `json:"progid"`
	CreatedAt time.Time `json:"created_at"`
}

// ListInstancesResponse is the body of GET /instances.
type ListInstancesResponse struct {
	Instances []InstanceResponse `json:"instances"`
	Total     int                `json:"total"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Holds     int64  `json:"holds"`
	Instances int    `json:"instances"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ListClasses returns the hosted classes.
// GET /classes
func (h *Handler) ListClasses(w http.ResponseWriter, _ *http.Request) {
	recs := h.catalog.Records()
	out := make([]ClassResponse, len(recs))
	for i, r := range recs {
		out[i] = ClassResponse{
			CLSID:                    r.Identity.String(),
			Name:                     r.DisplayName(),
			ProgID:                   r.ProgID,
			VersionIndependentProgID: r.VersionIndependentProgID,
			LibraryID:                r.LibraryID.String(),
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Activate creates an instance of a class and takes a hold for it.
// POST /classes/{clsid}/instances
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	id, err := guid.Normalize(r.PathValue("clsid"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed_clsid", "Malformed class identity", err.Error())
		return
	}
	entry, err := h.catalog.Lookup(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "class_not_registered", "Class not hosted by this server", err.Error())
		return
	}

	ctx, span := tracing.Start(r.Context(), h.tracer, tracing.SpanActivate,
		attribute.String(tracing.AttrClassID, id.String()))

	if h.detached.Load() {
		tracing.End(span, errDetached)
		h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Server is shutting down", "")
		return
	}
	// The hold is taken before the instance exists so the loop cannot
	// stop while the factory runs.
	holds := h.holds.AddHold()

	inst, err := entry.Activate(ctx)
	if err != nil {
		h.releaseHold()
		tracing.End(span, err)
		log.ErrorErr(log.CatActivation, "activation failed", err, "class", id)
		h.writeError(w, http.StatusInternalServerError, "activation_failed", "Activation failed", err.Error())
		return
	}

	l := &live{
		id:        uuid.NewString(),
		class:     entry.Record,
		instance:  inst,
		createdAt: time.Now(),
	}
	h.mu.Lock()
	if h.detached.Load() {
		h.mu.Unlock()
		_ = h.release(l)
		tracing.End(span, errDetached)
		h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Server is shutting down", "")
		return
	}
	h.instances[l.id] = l
	h.mu.Unlock()

	span.SetAttributes(
		attribute.String(tracing.AttrInstanceID, l.id),
		attribute.Int64(tracing.AttrHolds, holds),
	)
	tracing.End(span, nil)
	log.Info(log.CatActivation, "activated", "class", id, "instance", l.id, "holds", holds)
	h.writeJSON(w, http.StatusCreated, toInstanceResponse(l))
}

var errDetached = errors.New("activation subsystem detached")

// Release destroys an instance and gives its hold back.
// DELETE /instances/{id}
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	h.mu.Lock()
	l, ok := h.instances[id]
	delete(h.instances, id)
	h.mu.Unlock()
	if !ok {
		h.writeError(w, http.StatusNotFound, "instance_not_found", "No such instance", id)
		return
	}

	_, span := tracing.Start(r.Context(), h.tracer, tracing.SpanRelease,
		attribute.String(tracing.AttrInstanceID, id),
		attribute.String(tracing.AttrClassID, l.class.Identity.String()))
	err := h.release(l)
	tracing.End(span, err)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "release_failed", "Instance release failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// release tears l down. The hold is given back even if the instance
// reports an error.
func (h *Handler) release(l *live) error {
	err := l.instance.Release()
	if err != nil {
		log.ErrorErr(log.CatActivation, "instance release failed", err, "instance", l.id)
	}
	holds := h.releaseHold()
	log.Info(log.CatActivation, "released", "class", l.class.Identity, "instance", l.id, "holds", holds)
	return err
}

// ListInstances returns the live instances, oldest first.
// GET /instances
func (h *Handler) ListInstances(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	out := make([]InstanceResponse, 0, len(h.instances))
	for _, l := range h.instances {
		out = append(out, toInstanceResponse(l))
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	h.writeJSON(w, http.StatusOK, ListInstancesResponse{Instances: out, Total: len(out)})
}

// Health reports the hold count.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	resp := HealthResponse{Status: "ok", Holds: h.holds.Count(), Instances: len(h.instances)}
	h.mu.Unlock()
	if h.detached.Load() {
		resp.Status = "detached"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Detach refuses further activations and releases every live instance.
// It returns how many instances were released.
func (h *Handler) Detach() int {
	h.detached.Store(true)
	h.mu.Lock()
	leftovers := make([]*live, 0, len(h.instances))
	for id, l := range h.instances {
		leftovers = append(leftovers, l)
		delete(h.instances, id)
	}
	h.mu.Unlock()

	for _, l := range leftovers {
		_ = h.release(l)
	}
	if len(leftovers) > 0 {
		log.Warn(log.CatActivation, "released instances at detach", "count", len(leftovers))
	}
	return len(leftovers)
}

func toInstanceResponse(l *live) InstanceResponse {
	return InstanceResponse{
		ID:        l.id,
		CLSID:     l.class.Identity.String(),
		ProgID:    l.class.ProgID,
		CreatedAt: l.createdAt,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatActivation, "failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
