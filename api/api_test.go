package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/objstash/objstash/fetcher"
	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/processor"
	"github.com/objstash/objstash/registry"
	"github.com/objstash/objstash/statestore/filestore"
	"github.com/objstash/objstash/validation"
)

var testLogger = log.New(io.Discard, "", 0)

type stubVendor struct{}

func (stubVendor) GetObjectByID(ctx context.Context, id string) (job.Object, error) {
	return job.Object{ID: id, Name: "Widget", Designer: "Acme"}, nil
}

func (stubVendor) SearchObjects(ctx context.Context, query string) ([]job.Object, error) {
	return nil, nil
}

func (stubVendor) Token() (string, error) { return "t0ken", nil }

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return []byte("payload"), nil
}

func (stubFetcher) FetchBatch(ctx context.Context, reqs []fetcher.Request, headers map[string]string) ([]fetcher.Result, error) {
	results := make([]fetcher.Result, len(reqs))
	for i, req := range reqs {
		results[i] = fetcher.Result{Filename: req.Filename, Data: []byte("payload")}
	}
	return results, nil
}

type testServer struct {
	srv   *httptest.Server
	proc  *processor.Processor
	reg   *registry.Registry
	store *filestore.Store
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	store, err := filestore.New(t.TempDir(), job.SetNames())
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(store, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	proc, err := processor.New(processor.Config{BaseDir: t.TempDir()},
		store, reg, stubVendor{}, stubFetcher{}, validation.InlineRunner{}, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	// Keep everything parked in queued so assertions are deterministic.
	proc.Pause()

	as := New(proc, reg, "localhost", 0, "")
	srv := httptest.NewServer(as.Server.Handler)
	t.Cleanup(srv.Close)
	return testServer{srv: srv, proc: proc, reg: reg, store: store}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEnqueue(t *testing.T) {
	ts := newTestServer(t)
	srv, reg := ts.srv, ts.reg

	resp := post(t, srv.URL+"/enqueue", `{"id":"42"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Status = %d, want 201", resp.StatusCode)
	}
	if _, ok := reg.GetJob("42"); !ok {
		t.Error("Enqueued id has no registry record")
	}

	// Same id again conflicts.
	resp = post(t, srv.URL+"/enqueue", `{"id":"42"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)
	srv := ts.srv

	if resp := post(t, srv.URL+"/enqueue", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Empty id status = %d, want 400", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/enqueue", `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Malformed body status = %d, want 400", resp.StatusCode)
	}
	if resp := get(t, srv.URL+"/enqueue"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestJobsListing(t *testing.T) {
	ts := newTestServer(t)
	srv := ts.srv

	post(t, srv.URL+"/enqueue", `{"id":"a"}`)
	post(t, srv.URL+"/enqueue", `{"id":"b"}`)

	resp := get(t, srv.URL+"/jobs")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var jobs []job.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Errorf("Got %d jobs, want 2", len(jobs))
	}
}

func TestCancelAndRetry(t *testing.T) {
	ts := newTestServer(t)
	srv, reg := ts.srv, ts.reg

	post(t, srv.URL+"/enqueue", `{"id":"42"}`)

	resp := post(t, srv.URL+"/cancel?id=42", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Cancel status = %d, want 204", resp.StatusCode)
	}
	if _, ok := reg.GetJob("42"); ok {
		t.Error("Cancelled id still listed")
	}

	resp = post(t, srv.URL+"/retry?id=42", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Retry status = %d, want 204", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/retry", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Retry without id status = %d, want 400", resp.StatusCode)
	}
}

func TestPauseSwitches(t *testing.T) {
	ts := newTestServer(t)
	srv, proc := ts.srv, ts.proc

	if resp := post(t, srv.URL+"/resume", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Resume status = %d, want 204", resp.StatusCode)
	}
	if proc.Paused() {
		t.Error("Processor still paused after /resume")
	}

	if resp := post(t, srv.URL+"/pause", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Pause status = %d, want 204", resp.StatusCode)
	}
	if !proc.Paused() {
		t.Error("Processor not paused after /pause")
	}

	post(t, srv.URL+"/pause-files", "")
	if !proc.FileDownloadsPaused() {
		t.Error("File downloads not paused after /pause-files")
	}
	post(t, srv.URL+"/resume-files", "")
	if proc.FileDownloadsPaused() {
		t.Error("File downloads still paused after /resume-files")
	}
}

func TestClearCompleted(t *testing.T) {
	ts := newTestServer(t)
	srv, reg := ts.srv, ts.reg

	post(t, srv.URL+"/enqueue", `{"id":"42"}`)
	if err := ts.store.Move(job.Queued.String(), job.Completed.String(), "42"); err != nil {
		t.Fatal(err)
	}
	reg.UpdateJob("42", job.Completed, 100, "Completed", "")

	resp := post(t, srv.URL+"/clear/completed", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Status = %d, want 204", resp.StatusCode)
	}
	if _, ok := reg.GetJob("42"); ok {
		t.Error("Completed id survived the clear")
	}
}

func TestHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	srv := ts.srv

	if resp := get(t, srv.URL+"/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("Default heartbeat status = %d, want 200", resp.StatusCode)
	}
}

func TestAuditUnknownID(t *testing.T) {
	ts := newTestServer(t)
	srv := ts.srv

	if resp := get(t, srv.URL+"/audit?id=nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", resp.StatusCode)
	}
	if resp := get(t, srv.URL+"/audit"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Missing id status = %d, want 400", resp.StatusCode)
	}
}

func TestDebugVars(t *testing.T) {
	ts := newTestServer(t)
	srv := ts.srv

	resp := get(t, srv.URL+"/debug/vars")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(body) {
		t.Error("expvar payload is not valid JSON")
	}
}
