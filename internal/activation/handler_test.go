package activation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/guid"
	"github.com/zjrosen/servhost/internal/lifecycle"
)

var (
	goodID   = guid.MustParse("{11111111-1111-1111-1111-111111111111}")
	brokenID = guid.MustParse("{33333333-3333-3333-3333-333333333333}")
	libID    = guid.MustParse("{22222222-2222-2222-2222-222222222222}")
)

type fakeInstance struct {
	mu       sync.Mutex
	released int
	err      error
}

func (f *fakeInstance) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return f.err
}

type fixture struct {
	handler   *Handler
	holds     *lifecycle.Coordinator
	instances []*fakeInstance
	mu        sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{holds: lifecycle.New()}
	cat, err := catalog.New(
		catalog.Library{ID: libID, Name: "lib", Version: "1.0", FileName: "server.tlb"},
		catalog.Entry{
			Record: catalog.Record{Identity: goodID, ProgID: "Test.Obj.1", VersionIndependentProgID: "Test.Obj"},
			Activate: func(context.Context) (catalog.Instance, error) {
				inst := &fakeInstance{}
				f.mu.Lock()
				f.instances = append(f.instances, inst)
				f.mu.Unlock()
				return inst, nil
			},
		},
		catalog.Entry{
			Record: catalog.Record{Identity: brokenID, ProgID: "Broken.Obj.1", VersionIndependentProgID: "Broken.Obj"},
			Activate: func(context.Context) (catalog.Instance, error) {
				return nil, errors.New("factory exploded")
			},
		},
	)
	require.NoError(t, err)
	f.handler = NewHandler(cat, f.holds, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) activate(t *testing.T, clsid string) InstanceResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/classes/"+clsid+"/instances")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp InstanceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestListClasses(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/classes")
	require.Equal(t, http.StatusOK, rec.Code)

	var classes []ClassResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&classes))
	require.Len(t, classes, 2)
	require.Equal(t, goodID.String(), classes[0].CLSID)
	require.Equal(t, "Test Obj", classes[0].Name)
	require.Equal(t, libID.String(), classes[0].LibraryID)
}

func TestActivateRelease_PairsHolds(t *testing.T) {
	f := newFixture(t)

	a := f.activate(t, goodID.String())
	b := f.activate(t, strings.ToLower(strings.Trim(goodID.String(), "{}")))
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, goodID.String(), a.CLSID)
	require.Equal(t, int64(2), f.holds.Count())

	rec := f.do(t, http.MethodDelete, "/instances/"+a.ID)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, f.holds.CanTerminate())

	rec = f.do(t, http.MethodDelete, "/instances/"+b.ID)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, f.holds.CanTerminate())

	for _, inst := range f.instances {
		require.Equal(t, 1, inst.released)
	}

	rec = f.do(t, http.MethodDelete, "/instances/"+a.ID)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, int64(0), f.holds.Count(), "unknown instance never releases a hold")
}

func TestActivate_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/classes/not-a-guid/instances")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/classes/{44444444-4444-4444-4444-444444444444}/instances")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/classes/"+brokenID.String()+"/instances")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	require.Equal(t, "activation_failed", errResp.Code)

	require.Equal(t, int64(0), f.holds.Count(), "failed activations give their hold back")
}

func TestRelease_InstanceErrorStillReleasesHold(t *testing.T) {
	f := newFixture(t)
	a := f.activate(t, goodID.String())
	f.instances[0].err = errors.New("teardown failed")

	rec := f.do(t, http.MethodDelete, "/instances/"+a.ID)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, f.holds.CanTerminate())
}

func TestListInstancesAndHealth(t *testing.T) {
	f := newFixture(t)
	a := f.activate(t, goodID.String())

	rec := f.do(t, http.MethodGet, "/instances")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListInstancesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Equal(t, 1, list.Total)
	require.Equal(t, a.ID, list.Instances[0].ID)

	rec = f.do(t, http.MethodGet, "/health")
	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	require.Equal(t, HealthResponse{Status: "ok", Holds: 1, Instances: 1}, health)
}

func TestDetach_ReleasesLeftoversAndRefuses(t *testing.T) {
	f := newFixture(t)
	f.activate(t, goodID.String())
	f.activate(t, goodID.String())

	require.Equal(t, 2, f.handler.Detach())
	require.True(t, f.holds.CanTerminate())

	rec := f.do(t, http.MethodPost, "/classes/"+goodID.String()+"/instances")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, int64(0), f.holds.Count())
}

func TestServer_StartStop(t *testing.T) {
	f := newFixture(t)
	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", Catalog: f.handler.catalog, Holds: f.holds})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Post("http://"+srv.Addr()+"/classes/"+goodID.String()+"/instances", "application/json", nil)
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()
	require.Equal(t, int64(1), f.holds.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, <-done)
	require.True(t, f.holds.CanTerminate(), "stop releases leftover instances")
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(ServerConfig{Addr: "127.0.0.1:0"})
	require.Error(t, err)
}

func TestReleaseHold_UnderflowIsNotSwallowed(t *testing.T) {
	f := newFixture(t)
	var crashed any
	f.handler.crash = func(v any) { crashed = v }

	require.Equal(t, int64(0), f.handler.releaseHold())

	var underflow *lifecycle.HoldUnderflowError
	err, ok := crashed.(error)
	require.True(t, ok, "crash called with %v", crashed)
	require.ErrorAs(t, err, &underflow)
	require.Equal(t, int64(0), f.holds.Count())
}

func TestReleaseHold_Balanced(t *testing.T) {
	f := newFixture(t)
	f.handler.crash = func(v any) { t.Fatalf("unexpected crash: %v", v) }

	f.holds.AddHold()
	require.Equal(t, int64(0), f.handler.releaseHold())
}
