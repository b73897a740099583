package processor

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/objstash/objstash/fetcher"
	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/registry"
	"github.com/objstash/objstash/statestore"
	"github.com/objstash/objstash/statestore/filestore"
	"github.com/objstash/objstash/validation"
	"github.com/objstash/objstash/vendorapi"
)

var testLogger = log.New(io.Discard, "", 0)

// fakeVendor implements vendorapi.Client with canned responses.
type fakeVendor struct {
	obj      job.Object
	objErr   error
	token    string
	tokenErr error
}

func (f *fakeVendor) GetObjectByID(ctx context.Context, id string) (job.Object, error) {
	if f.objErr != nil {
		return job.Object{}, f.objErr
	}
	return f.obj, nil
}

func (f *fakeVendor) SearchObjects(ctx context.Context, query string) ([]job.Object, error) {
	return []job.Object{f.obj}, nil
}

func (f *fakeVendor) Token() (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

// fakeFetcher serves canned payloads keyed by URL without the query
// string, so token-bearing file URLs still match.
type fakeFetcher struct {
	payloads map[string][]byte
	errs     map[string]error
}

func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

func (f *fakeFetcher) Fetch(ctx context.Context, raw string, headers map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := stripQuery(raw)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	data, ok := f.payloads[key]
	if !ok {
		return nil, &fetcher.StatusError{Code: 404, URL: raw}
	}
	return data, nil
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, reqs []fetcher.Request, headers map[string]string) ([]fetcher.Result, error) {
	results := make([]fetcher.Result, len(reqs))
	for i, req := range reqs {
		results[i].Filename = req.Filename
		data, err := f.Fetch(ctx, req.URL, headers)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Data = data
	}
	return results, nil
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testObject() job.Object {
	return job.Object{
		ID:       "12345",
		Name:     "Widget",
		Designer: "Acme",
		Images: []job.Image{
			{URL: "http://img/front.jpg"},
			{URL: "http://img/back.jpg"},
		},
		Files: []job.ObjectFile{
			{Name: "widget.zip", DirectURL: "http://files/widget.zip"},
		},
	}
}

type testEnv struct {
	proc    *Processor
	store   statestore.Store
	reg     *registry.Registry
	vendor  *fakeVendor
	fetch   *fakeFetcher
	base    string
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	store, err := filestore.New(dataDir, job.SetNames(),
		filestore.WithLockTimings(time.Second, 5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(store, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	obj := testObject()
	vendor := &fakeVendor{obj: obj, token: "t0ken"}
	fetch := &fakeFetcher{
		payloads: map[string][]byte{
			"http://img/front.jpg":    {0xff, 0xd8, 0x01},
			"http://img/back.jpg":     {0xff, 0xd8, 0x02},
			"http://files/widget.zip": zipBytes(t, map[string]string{"model.stl": "solid widget"}),
		},
		errs: map[string]error{},
	}

	base := t.TempDir()
	proc, err := New(Config{BaseDir: base, MaxHeavy: 1, MaxLight: 2},
		store, reg, vendor, fetch, validation.InlineRunner{}, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{proc: proc, store: store, reg: reg, vendor: vendor, fetch: fetch, base: base, dataDir: dataDir}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (e *testEnv) waitForStage(t *testing.T, id string, st job.Stage) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%q to reach %s", id, st), func() bool {
		ok, err := e.store.Contains(st.String(), id)
		return err == nil && ok
	})
}

func TestPipelineEndToEnd(t *testing.T) {
	e := newTestEnv(t)

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	e.waitForStage(t, "12345", job.Completed)

	// Exactly one set holds the id once the dust settles.
	for _, set := range job.SetNames() {
		ok, err := e.store.Contains(set, "12345")
		if err != nil {
			t.Fatal(err)
		}
		if ok != (set == job.Completed.String()) {
			t.Errorf("Membership of %q = %v", set, ok)
		}
	}

	dir := testObject().Dir(e.base)
	for _, want := range []string{
		job.NotesFile,
		job.MetadataFile,
		filepath.Join(job.ImagesDir, "image_01.jpg"),
		filepath.Join(job.ImagesDir, "image_02.jpg"),
		filepath.Join(job.FilesDir, "widget.zip"),
		filepath.Join(job.FilesDir, "model.stl"),
	} {
		if _, err := os.Stat(filepath.Join(dir, want)); err != nil {
			t.Errorf("Missing artifact %s: %s", want, err)
		}
	}

	notes, err := os.ReadFile(filepath.Join(dir, job.NotesFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(notes), job.NotesHeaderRule) {
		t.Error("Notes file lacks the header block")
	}

	j, ok := e.reg.GetJob("12345")
	if !ok || j.Stage != job.Completed || j.Progress != 100 {
		t.Errorf("Registry record = %+v", j)
	}
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	e := newTestEnv(t)
	e.proc.Pause() // keep the id parked in queued

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	if err := e.proc.Enqueue("12345"); err == nil {
		t.Error("Expected a duplicate enqueue to fail")
	}
}

func TestShortCircuitOnValidExistingFolder(t *testing.T) {
	e := newTestEnv(t)
	obj := testObject()

	// Lay out a complete folder from a previous run.
	dir := obj.Dir(e.base)
	for _, d := range []string{dir, filepath.Join(dir, job.ImagesDir), filepath.Join(dir, job.FilesDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, job.NotesFile), []byte(obj.RenderNotes()), 0o644)
	os.WriteFile(filepath.Join(dir, job.ImagesDir, "image_01.jpg"), []byte{1}, 0o644)
	os.WriteFile(filepath.Join(dir, job.ImagesDir, "image_02.jpg"), []byte{2}, 0o644)
	os.WriteFile(filepath.Join(dir, job.FilesDir, "widget.zip"),
		zipBytes(t, map[string]string{"model.stl": "solid"}), 0o644)

	// The registry record must already carry the full snapshot for the
	// validator to find the folder.
	if _, err := e.reg.AddJob("12345", obj); err != nil {
		t.Fatal(err)
	}
	if err := e.store.Add(job.Queued.String(), "12345"); err != nil {
		t.Fatal(err)
	}
	e.proc.Schedule()

	e.waitForStage(t, "12345", job.Completed)
	j, _ := e.reg.GetJob("12345")
	if j.Message != "Already downloaded" {
		t.Errorf("Message = %q, want the short-circuit message", j.Message)
	}
}

func TestForbiddenFileDownloadPausesHeavyPool(t *testing.T) {
	e := newTestEnv(t)
	e.fetch.errs["http://files/widget.zip"] = &fetcher.StatusError{Code: 403, URL: "http://files/widget.zip"}

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	e.waitForStage(t, "12345", job.FailedForbidden)

	if !e.proc.FileDownloadsPaused() {
		t.Error("A 403 on a file download must pause the heavy pool")
	}
	if e.proc.Paused() {
		t.Error("A 403 must not pause light dispatch")
	}

	// Light-pool stages keep flowing for other jobs: a sibling enqueued
	// under the files pause runs all the way to the heavy-pool gate and
	// parks there.
	if err := e.proc.Enqueue("67890"); err != nil {
		t.Fatal(err)
	}
	e.waitForStage(t, "67890", job.ImagesDownloaded)
	if !e.proc.FileDownloadsPaused() {
		t.Error("The files pause must still hold while light work flows")
	}
	if ok, _ := e.store.Contains(job.DownloadingFiles.String(), "67890"); ok {
		t.Error("Heavy dispatch must stay suppressed for the sibling")
	}
}

func TestAuthFailurePausesAllDispatch(t *testing.T) {
	e := newTestEnv(t)
	e.vendor.objErr = &vendorapi.AuthError{Reason: "token rejected"}

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	e.waitForStage(t, "12345", job.FailedAuth)

	if !e.proc.Paused() {
		t.Error("An auth failure must pause all dispatch")
	}
}

func TestOversizedFileFails(t *testing.T) {
	e := newTestEnv(t)
	e.fetch.errs["http://files/widget.zip"] = fetcher.ErrTooLarge

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	e.waitForStage(t, "12345", job.FailedOversize)
}

func TestUnknownFailureIsLogged(t *testing.T) {
	e := newTestEnv(t)
	e.vendor.objErr = errors.New("something nobody anticipated")

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	e.waitForStage(t, "12345", job.Failed)

	data, err := os.ReadFile(filepath.Join(e.dataDir, "states", statestore.UnknownFailureSet))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "something nobody anticipated") {
		t.Errorf("Diagnostic log missing the raw message: %q", data)
	}
}

func TestCancelMovesToCancelledAndForgets(t *testing.T) {
	e := newTestEnv(t)
	e.proc.Pause()

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	if err := e.proc.Cancel("12345"); err != nil {
		t.Fatal(err)
	}

	if ok, _ := e.store.Contains(job.Cancelled.String(), "12345"); !ok {
		t.Error("Cancelled id missing from the cancelled set")
	}
	if ok, _ := e.store.Contains(job.Queued.String(), "12345"); ok {
		t.Error("Cancelled id still queued")
	}
	if _, ok := e.reg.GetJob("12345"); ok {
		t.Error("Cancelled id still has a registry record")
	}
}

// gatedFetcher holds the first batch fetch open until released, so a test
// can interleave a cancellation with a worker that is past its last
// context check.
type gatedFetcher struct {
	inner   *fakeFetcher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedFetcher) Fetch(ctx context.Context, raw string, headers map[string]string) ([]byte, error) {
	return g.inner.Fetch(ctx, raw, headers)
}

func (g *gatedFetcher) FetchBatch(ctx context.Context, reqs []fetcher.Request, headers map[string]string) ([]fetcher.Result, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.inner.FetchBatch(context.Background(), reqs, headers)
}

func TestCancelDuringInFlightFetch(t *testing.T) {
	e := newTestEnv(t)
	gate := &gatedFetcher{inner: e.fetch, entered: make(chan struct{}), release: make(chan struct{})}
	e.proc.fetcher = gate

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the image fetch to start")
	}

	if err := e.proc.Cancel("12345"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := e.store.Contains(job.Cancelled.String(), "12345"); !ok {
		t.Fatal("Cancelled id missing from the cancelled set")
	}
	if _, ok := e.reg.GetJob("12345"); ok {
		t.Fatal("Cancelled id still has a registry record")
	}

	close(gate.release)
	time.Sleep(250 * time.Millisecond)

	for _, set := range job.SetNames() {
		ok, err := e.store.Contains(set, "12345")
		if err != nil {
			t.Fatal(err)
		}
		if set == job.Cancelled.String() {
			if !ok {
				t.Error("Cancelled id left the cancelled set")
			}
			continue
		}
		if ok {
			t.Errorf("Cancelled id reappeared in %s", set)
		}
	}
	if _, ok := e.reg.GetJob("12345"); ok {
		t.Error("A straggling worker must not resurrect a cancelled record")
	}
}

func TestRetryRequeuesFromFailure(t *testing.T) {
	e := newTestEnv(t)
	e.proc.Pause()

	if _, err := e.reg.AddJob("12345", testObject()); err != nil {
		t.Fatal(err)
	}
	if err := e.store.Add(job.FailedForbidden.String(), "12345"); err != nil {
		t.Fatal(err)
	}

	if err := e.proc.Retry("12345"); err != nil {
		t.Fatal(err)
	}

	if ok, _ := e.store.Contains(job.Queued.String(), "12345"); !ok {
		t.Error("Retried id must be re-queued")
	}
	if ok, _ := e.store.Contains(job.FailedForbidden.String(), "12345"); ok {
		t.Error("Retried id must leave its failure set")
	}
	j, _ := e.reg.GetJob("12345")
	if j.LastError != "" {
		t.Errorf("Retry must clear the error text, got %q", j.LastError)
	}
}

func TestRetryUnknownIDFails(t *testing.T) {
	e := newTestEnv(t)
	e.proc.Pause()

	if err := e.proc.Retry("ghost"); err == nil {
		t.Fatal("Retry of an id in no failure set must fail")
	}

	if _, ok := e.reg.GetJob("ghost"); ok {
		t.Error("A rejected retry must not fabricate a registry record")
	}
	for _, set := range job.SetNames() {
		if ok, _ := e.store.Contains(set, "ghost"); ok {
			t.Errorf("A rejected retry must not add the id to %s", set)
		}
	}
}

func TestRecoverStrays(t *testing.T) {
	e := newTestEnv(t)
	e.proc.Pause()

	// An id stuck mid-stage from a crashed run.
	if _, err := e.reg.AddJob("stuck", testObject()); err != nil {
		t.Fatal(err)
	}
	if err := e.store.Add(job.DownloadingImages.String(), "stuck"); err != nil {
		t.Fatal(err)
	}

	// A persisted record with no set membership at all (crash between a
	// pop and an add).
	if _, err := e.reg.AddJob("orphan", testObject()); err != nil {
		t.Fatal(err)
	}

	e.proc.recoverStrays()

	if ok, _ := e.store.Contains(job.Prepared.String(), "stuck"); !ok {
		t.Error("Interrupted active job must fall back to its rest state")
	}
	if ok, _ := e.store.Contains(job.DownloadingImages.String(), "stuck"); ok {
		t.Error("Interrupted active job must leave the active set")
	}
	if ok, _ := e.store.Contains(job.Queued.String(), "orphan"); !ok {
		t.Error("Orphan record must be re-queued")
	}
}

func TestPartialImageFailureIsNonFatal(t *testing.T) {
	e := newTestEnv(t)
	e.fetch.errs["http://img/back.jpg"] = &fetcher.StatusError{Code: 500, URL: "http://img/back.jpg"}

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	e.waitForStage(t, "12345", job.Completed)

	dir := testObject().Dir(e.base)
	if _, err := os.Stat(filepath.Join(dir, job.ImagesDir, "image_01.jpg")); err != nil {
		t.Error("The successful image must still be written")
	}
	if _, err := os.Stat(filepath.Join(dir, job.ImagesDir, "image_02.jpg")); err == nil {
		t.Error("The failed image must not be written")
	}
}

func TestImportFile(t *testing.T) {
	e := newTestEnv(t)
	e.proc.Pause()

	if _, err := e.reg.AddJob("done", testObject()); err != nil {
		t.Fatal(err)
	}
	e.store.Add(job.Completed.String(), "done")
	if _, err := e.reg.AddJob("flight", testObject()); err != nil {
		t.Fatal(err)
	}
	e.store.Add(job.Preparing.String(), "flight")
	if _, err := e.reg.AddJob("broken", testObject()); err != nil {
		t.Fatal(err)
	}
	e.store.Add(job.Failed.String(), "broken")

	path := filepath.Join(t.TempDir(), "bulk.txt")
	if err := os.WriteFile(path, []byte("done, flight,broken, fresh,\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := e.proc.ImportFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Imported %d ids, want 2 (the retry and the fresh one)", n)
	}

	if ok, _ := e.store.Contains(job.Completed.String(), "done"); !ok {
		t.Error("Completed id must be left alone")
	}
	if ok, _ := e.store.Contains(job.Preparing.String(), "flight"); !ok {
		t.Error("In-flight id must be left alone")
	}
	if ok, _ := e.store.Contains(job.Queued.String(), "broken"); !ok {
		t.Error("Failed id must be reset and retried")
	}
	if ok, _ := e.store.Contains(job.Queued.String(), "fresh"); !ok {
		t.Error("Fresh id must be enqueued")
	}
}

func TestPauseStopsDispatch(t *testing.T) {
	e := newTestEnv(t)
	e.proc.Pause()

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if ok, _ := e.store.Contains(job.Queued.String(), "12345"); !ok {
		t.Fatal("Paused processor must leave the id queued")
	}

	e.proc.Resume()
	e.waitForStage(t, "12345", job.Completed)
}

func TestAudit(t *testing.T) {
	e := newTestEnv(t)

	if err := e.proc.Enqueue("12345"); err != nil {
		t.Fatal(err)
	}
	e.waitForStage(t, "12345", job.Completed)

	res, err := e.proc.Audit(context.Background(), "12345")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("A freshly completed folder must audit clean, got %v", res.Errors)
	}
}
