package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/ijoka/internal/bus"
	"github.com/p-blackswan/ijoka/internal/features"
	"github.com/p-blackswan/ijoka/internal/health"
	"github.com/p-blackswan/ijoka/internal/metrics"
	"github.com/p-blackswan/ijoka/internal/mirror"
	"github.com/p-blackswan/ijoka/internal/models"
	"github.com/p-blackswan/ijoka/internal/pipeline"
	"github.com/p-blackswan/ijoka/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	bodies []string
}

func (n *recordingNotifier) Notify(_, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies = append(n.bodies, body)
}

type testEnv struct {
	app      *fiber.App
	store    *store.Store
	bus      *bus.Bus[models.AgentEvent]
	coord    *pipeline.Coordinator
	client   *mirror.Client
	notifier *recordingNotifier
}

// newTestEnv wires the server against a real cache and a mirror client
// pointed at a closed local port.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.New(filepath.Join(t.TempDir(), "ijoka.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.New()

	cfg := mirror.DefaultConfig()
	cfg.URI = "bolt://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond
	cfg.ReconnectInterval = time.Hour
	client := mirror.NewClient(cfg, logger)

	d := mirror.NewDispatcher(mirror.DispatcherConfig{Workers: 1, Timeout: cfg.Timeout}, client, m, logger)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	b := bus.New[models.AgentEvent](10)
	coord := pipeline.NewCoordinator(st, b, d, m, logger)
	notifier := &recordingNotifier{}
	reconciler := features.NewReconciler(coord, notifier, logger)

	checker := health.NewChecker(logger)
	checker.Register("cache", health.CacheCheck(st))
	checker.Register("mirror", health.MirrorCheck(client.IsConnected))

	srv := NewServer(ServerConfig{CORSOrigins: "*", KeepAlive: 50 * time.Millisecond}, coord, reconciler, notifier, checker, m, logger)
	t.Cleanup(func() { srv.Shutdown() })

	return &testEnv{app: srv.App(), store: st, bus: b, coord: coord, client: client, notifier: notifier}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeAPI(t *testing.T, data []byte) APIResponse {
	t.Helper()
	var r APIResponse
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func recv(t *testing.T, sub *bus.Subscription[models.AgentEvent]) models.AgentEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	return ev
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, _ = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// mirror down is degraded, not down
	resp, body = env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "degraded")
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/events", `{"eventType":"PostToolUse","sourceAgent":"claude-code","sessionId":"s1","projectDir":"/p"}`)

	resp, body := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ijoka_events_ingested_total")
}

func TestServer_RequestID(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("X-Request-ID", "hook-7")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "hook-7", resp.Header.Get("X-Request-ID"))
}

// An accepted event is stored and reaches every subscriber.
func TestServer_PostEvent(t *testing.T) {
	env := newTestEnv(t)
	sub1 := env.coord.Subscribe()
	sub2 := env.coord.Subscribe()

	resp, body := env.do(t, http.MethodPost, "/events",
		`{"eventType":"PostToolUse","sourceAgent":"claude-code","sessionId":"s1","projectDir":"/p","toolName":"Bash","payload":{"command":"ls"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, APIResponse{OK: true}, decodeAPI(t, body))

	events, err := env.store.ListEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Bash", events[0].ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, events[0].Payload)

	for _, sub := range []*bus.Subscription[models.AgentEvent]{sub1, sub2} {
		ev := recv(t, sub)
		assert.Equal(t, events[0].ID, ev.ID)
		assert.Equal(t, "PostToolUse", ev.EventType)
	}
}

// The graph store is unreachable; local writes still succeed.
func TestServer_PostEvent_MirrorUnreachable(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/events",
		`{"eventType":"PostToolUse","sourceAgent":"claude-code","sessionId":"s1","projectDir":"/p"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeAPI(t, body).OK)

	events, err := env.store.ListEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, env.client.IsConnected())
}

func TestServer_PostEvent_Malformed(t *testing.T) {
	env := newTestEnv(t)
	sub := env.coord.Subscribe()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"eventType":`},
		{"empty body", ``},
		{"missing session", `{"eventType":"X","sourceAgent":"a","projectDir":"/p"}`},
		{"missing agent", `{"eventType":"X","sessionId":"s","projectDir":"/p"}`},
		{"wrong type", `{"eventType":1,"sourceAgent":"a","sessionId":"s","projectDir":"/p"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/events", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			r := decodeAPI(t, body)
			assert.False(t, r.OK)
			assert.NotEmpty(t, r.Error)
		})
	}

	events, err := env.store.ListEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_PostEvent_CacheFailure(t *testing.T) {
	env := newTestEnv(t)
	sub := env.coord.Subscribe()
	require.NoError(t, env.store.Close())

	resp, body := env.do(t, http.MethodPost, "/events",
		`{"eventType":"PostToolUse","sourceAgent":"claude-code","sessionId":"s1","projectDir":"/p"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.False(t, decodeAPI(t, body).OK)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_ListEvents(t *testing.T) {
	env := newTestEnv(t)
	for i, dir := range []string{"/a", "/b", "/a"} {
		ev := &models.AgentEvent{EventType: "E", SourceAgent: "x", SessionID: "s", ProjectDir: dir}
		if i == 2 {
			ev.FeatureID = "/a:0"
		}
		require.NoError(t, env.store.InsertEvent(ev))
	}

	_, body := env.do(t, http.MethodGet, "/events", "")
	assert.Len(t, decodeEvents(t, body), 3)

	_, body = env.do(t, http.MethodGet, "/events?limit=1", "")
	latest := decodeEvents(t, body)
	require.Len(t, latest, 1)
	assert.Equal(t, "/a:0", latest[0].FeatureID)

	_, body = env.do(t, http.MethodGet, "/events?unlinked=true&project_dir=/a", "")
	unlinked := decodeEvents(t, body)
	require.Len(t, unlinked, 1)
	assert.Equal(t, "/a", unlinked[0].ProjectDir)
	assert.Empty(t, unlinked[0].FeatureID)

	_, body = env.do(t, http.MethodGet, "/events?projectDir=/b", "")
	byProject := decodeEvents(t, body)
	require.Len(t, byProject, 1)
	assert.Equal(t, "/b", byProject[0].ProjectDir)
}

func decodeEvents(t *testing.T, body []byte) []models.AgentEvent {
	t.Helper()
	var events []models.AgentEvent
	require.NoError(t, json.Unmarshal(body, &events))
	return events
}

func TestServer_ListEvents_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodGet, "/events", "")
	assert.Equal(t, "[]", string(body))
}

func TestServer_LinkEvent(t *testing.T) {
	env := newTestEnv(t)
	ev := &models.AgentEvent{EventType: "E", SourceAgent: "x", SessionID: "s", ProjectDir: "/p"}
	require.NoError(t, env.store.InsertEvent(ev))

	resp, body := env.do(t, http.MethodPost, "/events/1/link", `{"featureId":"/p:0"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeAPI(t, body).OK)

	resp, body = env.do(t, http.MethodPost, "/events/99/link", `{"featureId":"/p:0"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, APIResponse{OK: false, Error: "Event not found"}, decodeAPI(t, body))

	resp, _ = env.do(t, http.MethodPost, "/events/abc/link", `{"featureId":"/p:0"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/events/1/link", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var events []models.AgentEvent
	_, body = env.do(t, http.MethodGet, "/features/"+url.PathEscape("/p:0")+"/events", "")
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
}

func TestServer_FeatureUpdate(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.ReplaceFeatures("/p", []models.Feature{
		{ID: "/p:0", ProjectDir: "/p", Description: "Login", Category: "functional", UpdatedAt: "t"},
	}))
	sub := env.coord.Subscribe()

	resp, body := env.do(t, http.MethodPost, "/events/feature-update", `{
		"projectDir": "/p",
		"stats": {"total": 2, "completed": 1, "percentage": 50},
		"changedFeatures": [
			{"description": "Login", "category": "functional"},
			{"description": "Unknown thing", "category": "ui"}
		]
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeAPI(t, body).OK)

	first := recv(t, sub)
	assert.Equal(t, models.EventFeatureCompleted, first.EventType)
	assert.Equal(t, models.AgentHook, first.SourceAgent)
	assert.Equal(t, models.SessionFeatureUpdate, first.SessionID)
	assert.Equal(t, "Login", first.ToolName)
	assert.Equal(t, "/p:0", first.FeatureID)
	assert.JSONEq(t, `{"category":"functional"}`, first.Payload)

	second := recv(t, sub)
	assert.Equal(t, "Unknown thing", second.ToolName)
	assert.Empty(t, second.FeatureID)

	progress := recv(t, sub)
	assert.Equal(t, models.EventProgressUpdate, progress.EventType)
	assert.Zero(t, progress.ID)
	assert.JSONEq(t, `{"total":2,"completed":1,"percentage":50,"projectDir":"/p"}`, progress.Payload)

	events, err := env.store.ListEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 2, "progress updates are not persisted")

	env.notifier.mu.Lock()
	assert.Equal(t, []string{"Login", "Unknown thing"}, env.notifier.bodies)
	env.notifier.mu.Unlock()
}

func TestServer_FeatureUpdate_MissingProject(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/events/feature-update", `{"changedFeatures":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type listWatch struct {
	mu   sync.Mutex
	dirs []string
}

func (w *listWatch) AddProject(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirs = append(w.dirs, dir)
}

func (w *listWatch) SetProjects(dirs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirs = append([]string(nil), dirs...)
}

func (w *listWatch) Projects() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.dirs...)
}

func TestServer_SessionStart_CleansProjectDir(t *testing.T) {
	env := newTestEnv(t)
	watch := &listWatch{}
	env.coord.SetWatchSet(watch)

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, features.FileName),
		[]byte(`[{"description":"A"},{"description":"B"}]`), 0o644))

	start := `{"sessionId":"s1","sourceAgent":"claude-code","projectDir":"` + project + `/"}`
	resp, _ := env.do(t, http.MethodPost, "/sessions/start", start)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fs, err := env.store.Features(project)
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, models.FeatureID(project, 0), fs[0].ID)

	all, err := env.store.Features("")
	require.NoError(t, err)
	assert.Len(t, all, 2, "one feature set per project")

	settings, _, err := env.store.Settings()
	require.NoError(t, err)
	assert.Equal(t, []string{project}, settings.WatchedProjects)

	resp, body := env.do(t, http.MethodGet, "/projects", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var projects ProjectsResponse
	require.NoError(t, json.Unmarshal(body, &projects))
	assert.Equal(t, []string{project}, projects.Projects)
	assert.Equal(t, []string{project}, projects.Watched)
}

func TestServer_Projects_Empty(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodGet, "/projects", "")
	assert.JSONEq(t, `{"projects":[],"watched":[]}`, string(body))
}

func TestServer_SessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, features.FileName),
		[]byte(`[{"description":"A"},{"description":"B","passes":true}]`), 0o644))
	sub := env.coord.Subscribe()

	start := `{"sessionId":"s1","sourceAgent":"claude-code","projectDir":"` + project + `"}`
	resp, body := env.do(t, http.MethodPost, "/sessions/start", start)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeAPI(t, body).OK)

	ev := recv(t, sub)
	assert.Equal(t, models.EventSessionStart, ev.EventType)
	assert.Equal(t, project, ev.ProjectDir)

	settings, _, err := env.store.Settings()
	require.NoError(t, err)
	assert.Equal(t, []string{project}, settings.WatchedProjects)

	fs, err := env.store.Features(project)
	require.NoError(t, err)
	assert.Len(t, fs, 2)

	// registration is idempotent
	env.do(t, http.MethodPost, "/sessions/start", start)
	settings, _, err = env.store.Settings()
	require.NoError(t, err)
	assert.Equal(t, []string{project}, settings.WatchedProjects)

	var sessions []models.Session
	_, body = env.do(t, http.MethodGet, "/sessions", "")
	require.NoError(t, json.Unmarshal(body, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionActive, sessions[0].Status)

	resp, _ = env.do(t, http.MethodPost, "/sessions/end", `{"sessionId":"s1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sess, err := env.store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, sess.Status)

	events, err := env.store.ListEvents(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventSessionEnd, events[0].EventType)
	assert.Equal(t, "claude-code", events[0].SourceAgent)
	assert.Equal(t, project, events[0].ProjectDir)
}

func TestServer_SessionEnd_Unknown(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/sessions/end", `{"sessionId":"ghost"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeAPI(t, body).OK)

	events, err := env.store.ListEvents(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AgentUnknown, events[0].SourceAgent)
	assert.Equal(t, models.AgentUnknown, events[0].ProjectDir)
}

func TestServer_SessionStart_Malformed(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/sessions/start", `{"sourceAgent":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/sessions/end", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	events, err := env.store.ListEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestServer_FeaturesAndStats(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.ReplaceFeatures("/p", []models.Feature{
		{ID: "/p:0", ProjectDir: "/p", Description: "A", Category: "functional", Passes: true, UpdatedAt: "t"},
		{ID: "/p:1", ProjectDir: "/p", Description: "B", Category: "functional", InProgress: true, UpdatedAt: "t"},
	}))

	var fs []models.Feature
	_, body := env.do(t, http.MethodGet, "/features?projectDir=/p", "")
	require.NoError(t, json.Unmarshal(body, &fs))
	assert.Len(t, fs, 2)

	var st models.Stats
	_, body = env.do(t, http.MethodGet, "/stats", "")
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, int64(2), st.Total)
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, int64(1), st.InProgress)
	assert.InDelta(t, 50.0, st.Percentage, 0.001)
}

func TestServer_Config(t *testing.T) {
	env := newTestEnv(t)

	var s models.Settings
	_, body := env.do(t, http.MethodGet, "/config", "")
	require.NoError(t, json.Unmarshal(body, &s))
	assert.Equal(t, models.DefaultSettings(), s)

	resp, body := env.do(t, http.MethodPut, "/config", `{"notificationsEnabled":false,"watchedProjects":["/w"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &s))
	assert.False(t, s.NotificationsEnabled)
	assert.Equal(t, 4000, s.SyncServerPort)
	assert.Equal(t, []string{"/w"}, s.WatchedProjects)

	stored, found, err := env.store.Settings()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, s, stored)

	resp, _ = env.do(t, http.MethodPut, "/config", `{"syncServerPort":70000}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Stream(t *testing.T) {
	env := newTestEnv(t)

	go func() {
		for env.bus.Subscribers() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		ev := &models.AgentEvent{EventType: "PostToolUse", SourceAgent: "x", SessionID: "s", ProjectDir: "/p"}
		_ = env.coord.Record(context.Background(), ev)
		env.bus.Close()
	}()

	req, _ := http.NewRequest(http.MethodGet, "/events/stream", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "id: 1\n")
	assert.Contains(t, string(body), `"eventType":"PostToolUse"`)
}
