package httpapi

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scenejobs/internal/domain"
	"scenejobs/internal/http/handlers"
	"scenejobs/internal/infra"
	"scenejobs/internal/jobcache"
	"scenejobs/internal/orchestrator"
	"scenejobs/internal/providers/scenes"
	"scenejobs/internal/retry"
	"scenejobs/internal/storage"
	"scenejobs/internal/stream"
)

const testKey = "test-access-key"

// gateGenerator blocks the batch at blockAt until its context ends.
type gateGenerator struct {
	inner   scenes.Generator
	mu      sync.Mutex
	blockAt int
	reached chan struct{}
	once    sync.Once
}

func newGateGenerator(blockAt int) *gateGenerator {
	return &gateGenerator{inner: scenes.NewSyntheticGenerator(), blockAt: blockAt, reached: make(chan struct{})}
}

func (g *gateGenerator) Generate(ctx context.Context, req scenes.BatchRequest) (scenes.BatchResult, error) {
	g.mu.Lock()
	block := g.blockAt
	g.mu.Unlock()
	if req.Range.Index == block {
		g.once.Do(func() { close(g.reached) })
		<-ctx.Done()
		return scenes.BatchResult{}, ctx.Err()
	}
	return g.inner.Generate(ctx, req)
}

func (g *gateGenerator) unblock() {
	g.mu.Lock()
	g.blockAt = -1
	g.mu.Unlock()
}

type testEnv struct {
	server  *httptest.Server
	jobs    *orchestrator.Orchestrator
	archive *storage.FileStore
}

func newTestEnv(t *testing.T, gen scenes.Generator) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := infra.OpenSQLite(filepath.Join(dir, "jobs.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	archive, err := storage.NewFileStore(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	jobs := orchestrator.New(orchestrator.Deps{
		Cache:     jobcache.NewSQLiteTier(db, jobcache.DefaultTTLPolicy(), zerolog.Nop()),
		Generator: gen,
		Archive:   archive,
		Retry: retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}.
			WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
		Logger: zerolog.Nop(),
	})

	app := handlers.NewApp(jobs, zerolog.Nop())
	app.Archive = archive
	app.RemoteDriver = infra.RemoteCacheNone
	srv := httptest.NewServer(NewRouter(app, Options{
		AccessKey:          testKey,
		RateLimitPerMin:    100,
		NarrationLanguages: []string{"en", "id"},
		Logger:             zerolog.Nop(),
	}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
	})
	return &testEnv{server: srv, jobs: jobs, archive: archive}
}

func (e *testEnv) do(t *testing.T, method, path string, body string, header map[string]string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type sseEvent struct {
	ID   string
	Type string
	Data string
}

func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Type != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data += strings.TrimPrefix(line, "data: ")
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return out
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

const startBody = `{"source_ref":"gs://bucket/clip.mp4","target_scene_count":6,"duration_seconds":90,"batch_seconds":30,"audio":{"enabled":true}}`

func startAndDrain(t *testing.T, env *testEnv) (string, []sseEvent) {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/v1/jobs", startBody, map[string]string{"Accept-Language": "id-ID,en;q=0.5"})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("start status = %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	jobID := resp.Header.Get("X-Job-ID")
	if jobID == "" {
		t.Fatal("missing X-Job-ID")
	}
	return jobID, readEvents(t, resp.Body)
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, scenes.NewSyntheticGenerator())
	resp, err := http.Get(env.server.URL + "/v1/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["status"] != "ok" || body["remote_cache"] != infra.RemoteCacheNone {
		t.Fatalf("body = %v", body)
	}
}

func TestJobRoutesRequireAccessKey(t *testing.T) {
	env := newTestEnv(t, scenes.NewSyntheticGenerator())
	for _, path := range []string{"/v1/jobs", "/v1/metrics", "/v1/jobs/abc"} {
		resp, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("GET %s = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestStartJobStreamsUntilComplete(t *testing.T) {
	env := newTestEnv(t, scenes.NewSyntheticGenerator())
	jobID, events := startAndDrain(t, env)

	if len(events) == 0 {
		t.Fatal("no events streamed")
	}
	last := events[len(events)-1]
	if last.Type != string(stream.EventComplete) {
		t.Fatalf("last event = %s, want complete", last.Type)
	}
	for _, ev := range events {
		owner, _, _, err := stream.ParseID(ev.ID)
		if err != nil || owner != jobID {
			t.Fatalf("event id %q does not belong to %s", ev.ID, jobID)
		}
	}
	var done struct {
		JobID        string         `json:"jobId"`
		Scenes       []domain.Scene `json:"scenes"`
		TotalBatches int            `json:"totalBatches"`
	}
	if err := json.Unmarshal([]byte(last.Data), &done); err != nil {
		t.Fatalf("decode complete payload: %v", err)
	}
	if done.JobID != jobID || len(done.Scenes) != 6 || done.TotalBatches != 3 {
		t.Fatalf("complete payload = %+v", done)
	}

	resp := env.do(t, http.MethodGet, "/v1/jobs/"+jobID, "", nil)
	job := decode[domain.CachedJob](t, resp)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Config == nil || job.Config.Audio.Language != "id" {
		t.Fatalf("narration language not negotiated: %+v", job.Config)
	}
	for i, s := range job.Scenes {
		if s.Number != i+1 {
			t.Fatalf("scene %d numbered %d", i, s.Number)
		}
	}
}

func TestStartJobRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, scenes.NewSyntheticGenerator())
	cases := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "malformed", body: `{"source_ref":`},
		{name: "unknown field", body: `{"source_ref":"x","duration_seconds":30,"colour":"red"}`},
		{name: "missing source", body: `{"duration_seconds":30}`},
		{name: "bad mode", body: `{"source_ref":"x","duration_seconds":30,"mode":"remix"}`},
		{name: "resume pointer", body: `{"source_ref":"x","duration_seconds":30,"resume":{"job_id":"abc"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/jobs", tc.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			body := decode[map[string]map[string]any](t, resp)
			if body["error"]["code"] != string(domain.CodeInvalidInput) {
				t.Fatalf("error = %v", body["error"])
			}
		})
	}
}

func TestListJobsFilters(t *testing.T) {
	env := newTestEnv(t, scenes.NewSyntheticGenerator())
	jobID, _ := startAndDrain(t, env)

	cases := []struct {
		query string
		code  int
		count int
	}{
		{query: "", code: http.StatusOK, count: 1},
		{query: "?status=completed", code: http.StatusOK, count: 1},
		{query: "?status=failed", code: http.StatusOK, count: 0},
		{query: "?mode=storyboard", code: http.StatusOK, count: 1},
		{query: "?mode=recreate", code: http.StatusOK, count: 0},
		{query: "?status=bogus", code: http.StatusBadRequest},
		{query: "?limit=-1", code: http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := env.do(t, http.MethodGet, "/v1/jobs"+tc.query, "", nil)
		if resp.StatusCode != tc.code {
			t.Fatalf("GET /v1/jobs%s = %d, want %d", tc.query, resp.StatusCode, tc.code)
		}
		if tc.code != http.StatusOK {
			continue
		}
		body := decode[struct {
			Items []domain.JobSummary `json:"items"`
		}](t, resp)
		if len(body.Items) != tc.count {
			t.Fatalf("GET /v1/jobs%s returned %d items, want %d", tc.query, len(body.Items), tc.count)
		}
		if tc.count == 1 && body.Items[0].ID != jobID {
			t.Fatalf("item id = %s", body.Items[0].ID)
		}
	}
}

func TestJobEventsReplaysAfterLastEventID(t *testing.T) {
	env := newTestEnv(t, scenes.NewSyntheticGenerator())
	jobID, events := startAndDrain(t, env)
	if len(events) < 3 {
		t.Fatalf("too few events: %d", len(events))
	}

	resp := env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/events", "", map[string]string{"Last-Event-ID": events[0].ID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	replayed := readEvents(t, resp.Body)
	if len(replayed) != len(events)-1 {
		t.Fatalf("replayed %d events, want %d", len(replayed), len(events)-1)
	}
	for i := range replayed {
		if replayed[i].ID != events[i+1].ID {
			t.Fatalf("replay[%d] = %s, want %s", i, replayed[i].ID, events[i+1].ID)
		}
	}

	resp = env.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/events?lastEventId="+events[len(events)-2].ID, "", nil)
	if tail := readEvents(t, resp.Body); len(tail) != 1 || tail[0].Type != string(stream.EventComplete) {
		t.Fatalf("tail = %+v", tail)
	}

	bad := []struct {
		name   string
		path   string
		header string
		code   int
	}{
		{name: "malformed id", path: "/v1/jobs/" + jobID + "/events", header: "nonsense", code: http.StatusBadRequest},
		{name: "foreign id", path: "/v1/jobs/" + jobID + "/events", header: stream.FormatID("other-job", 0, 1), code: http.StatusBadRequest},
		{name: "unknown job", path: "/v1/jobs/missing/events", code: http.StatusNotFound},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			hdr := map[string]string{}
			if tc.header != "" {
				hdr["Last-Event-ID"] = tc.header
			}
			resp := env.do(t, http.MethodGet, tc.path, "", hdr)
			if resp.StatusCode != tc.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.code)
			}
		})
	}
}

func TestCancelThenResume(t *testing.T) {
	gen := newGateGenerator(1)
	env := newTestEnv(t, gen)

	run, err := env.jobs.Start(context.Background(), domain.JobConfig{
		SourceRef:        "gs://bucket/clip.mp4",
		TargetSceneCount: 6,
		DurationSeconds:  90,
		BatchSeconds:     30,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-gen.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("second batch never started")
	}

	resp := env.do(t, http.MethodDelete, "/v1/jobs/"+run.JobID, "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete running job = %d, want 409", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/v1/jobs/"+run.JobID+"/cancel", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d", resp.StatusCode)
	}
	summary := decode[domain.JobSummary](t, resp)
	if summary.Status != domain.JobStatusFailed || !summary.Resumable || summary.CompletedBatches != 1 {
		t.Fatalf("summary after cancel = %+v", summary)
	}

	resp = env.do(t, http.MethodPost, "/v1/jobs/"+run.JobID+"/cancel", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel = %d, want 404", resp.StatusCode)
	}

	gen.unblock()
	resp = env.do(t, http.MethodPost, "/v1/jobs/"+run.JobID+"/resume", "", nil)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("resume = %d: %s", resp.StatusCode, body)
	}
	events := readEvents(t, resp.Body)
	if len(events) == 0 || events[len(events)-1].Type != string(stream.EventComplete) {
		t.Fatalf("resume stream did not complete: %+v", events)
	}

	resp = env.do(t, http.MethodGet, "/v1/jobs/"+run.JobID, "", nil)
	job := decode[domain.CachedJob](t, resp)
	if job.Status != domain.JobStatusCompleted || len(job.Scenes) != 6 {
		t.Fatalf("job after resume: status %s, %d scenes", job.Status, len(job.Scenes))
	}

	resp = env.do(t, http.MethodPost, "/v1/jobs/"+run.JobID+"/resume", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("resume completed job = %d, want 409", resp.StatusCode)
	}
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t, scenes.NewSyntheticGenerator())
	jobID, _ := startAndDrain(t, env)

	resp := env.do(t, http.MethodDelete, "/v1/jobs/"+jobID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/v1/jobs/"+jobID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d", resp.StatusCode)
	}
}

func TestExportJob(t *testing.T) {
	env := newTestEnv(t, scenes.NewSyntheticGenerator())
	run, err := env.jobs.Start(context.Background(), domain.JobConfig{
		SourceRef:        "gs://bucket/clip.mp4",
		TargetSceneCount: 4,
		DurationSeconds:  60,
		BatchSeconds:     30,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-run.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}

	check := func(resp *http.Response) {
		t.Helper()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("export = %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
			t.Fatalf("Content-Type = %q", ct)
		}
		data, _ := io.ReadAll(resp.Body)
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("zip.NewReader: %v", err)
		}
		names := make([]string, 0, len(zr.File))
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		if strings.Join(names, ",") != "snapshot.json,scenes.json,characters.json,prompts.txt" {
			t.Fatalf("entries = %v", names)
		}
	}
	check(env.do(t, http.MethodGet, "/v1/jobs/"+run.JobID+"/export", "", nil))

	// Once the cache entry is gone the archived snapshot still exports.
	if err := env.jobs.Delete(context.Background(), run.JobID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	check(env.do(t, http.MethodGet, "/v1/jobs/"+run.JobID+"/export", "", nil))

	resp := env.do(t, http.MethodGet, "/v1/jobs/never-existed/export", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("export unknown = %d", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, scenes.NewSyntheticGenerator())
	startAndDrain(t, env)

	resp := env.do(t, http.MethodGet, "/v1/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	body := decode[map[string]int](t, resp)
	for _, key := range []string{"running_jobs", "tracked_jobs", "buffers", "buffered_events", "context_memos", "queued_remote_writes"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("metrics missing %q: %v", key, body)
		}
	}
	if body["buffers"] != 1 || body["buffered_events"] == 0 {
		t.Fatalf("metrics = %v", body)
	}
}
