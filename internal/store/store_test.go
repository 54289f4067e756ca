package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/ijoka/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ijoka.db")
	store, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func fixedClock(store *Store, start time.Time) {
	var mu sync.Mutex
	cur := start
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func TestNew_CreatesSchema(t *testing.T) {
	store := newTestStore(t)

	for _, table := range []string{"meta", "events", "features", "sessions", "config"} {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	for _, idx := range []string{
		"idx_events_session", "idx_events_project", "idx_events_created",
		"idx_events_feature_id", "idx_features_project",
	} {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "index %s should exist", idx)
	}

	assert.Equal(t, 2, store.schemaVersion())
}

func TestNew_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "ijoka.db")

	s1, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.InsertEvent(&models.AgentEvent{
		EventType: "X", SourceAgent: "a", SessionID: "s", ProjectDir: "/p",
	}))
	require.NoError(t, s1.Close())

	s2, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	events, err := s2.ListEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 2, s2.schemaVersion())
}

func TestInsertEvent_AssignsIDAndTimestamp(t *testing.T) {
	store := newTestStore(t)

	ev := &models.AgentEvent{
		EventType:   "PostToolUse",
		SourceAgent: "claude-code",
		SessionID:   "abc",
		ProjectDir:  "/p",
		ToolName:    "Bash",
		Payload:     `{"command":"ls"}`,
	}
	require.NoError(t, store.InsertEvent(ev))
	assert.NotZero(t, ev.ID)
	assert.NotEmpty(t, ev.CreatedAt)

	events, err := store.ListEvents(50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, *ev, events[0])
}

func TestListEvents_NewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	fixedClock(store, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertEvent(&models.AgentEvent{
			EventType: "E", SourceAgent: "a", SessionID: "s", ProjectDir: "/p",
			ToolName: fmt.Sprintf("t%d", i),
		}))
	}

	events, err := store.ListEvents(3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "t4", events[0].ToolName)
	assert.Equal(t, "t3", events[1].ToolName)
	assert.Equal(t, "t2", events[2].ToolName)
}

func TestListUnlinkedEvents_FiltersByProject(t *testing.T) {
	store := newTestStore(t)

	insert := func(project, feature string) {
		require.NoError(t, store.InsertEvent(&models.AgentEvent{
			EventType: "E", SourceAgent: "a", SessionID: "s", ProjectDir: project, FeatureID: feature,
		}))
	}
	insert("/a", "")
	insert("/a", "/a:0")
	insert("/b", "")

	all, err := store.ListUnlinkedEvents("", 50)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyA, err := store.ListUnlinkedEvents("/a", 50)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "/a", onlyA[0].ProjectDir)

	projB, err := store.ListProjectEvents("/b", 50)
	require.NoError(t, err)
	assert.Len(t, projB, 1)
}

func TestLinkEvent(t *testing.T) {
	store := newTestStore(t)

	ev := &models.AgentEvent{EventType: "E", SourceAgent: "a", SessionID: "s", ProjectDir: "/p"}
	require.NoError(t, store.InsertEvent(ev))

	found, err := store.LinkEvent(ev.ID, "/p:3")
	require.NoError(t, err)
	assert.True(t, found)

	linked, err := store.EventsByFeature("/p:3", 10)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, ev.ID, linked[0].ID)

	found, err = store.LinkEvent(9999, "/p:3")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReplaceFeatures_UpsertsAndPrunes(t *testing.T) {
	store := newTestStore(t)

	mk := func(project string, i int, desc string, passes bool) models.Feature {
		return models.Feature{
			ID: models.FeatureID(project, i), ProjectDir: project, Description: desc,
			Category: "functional", Passes: passes, UpdatedAt: "2025-01-01T00:00:00.000Z",
		}
	}

	features := make([]models.Feature, 0, 12)
	for i := 0; i < 12; i++ {
		features = append(features, mk("/p", i, fmt.Sprintf("f%d", i), false))
	}
	features[2].Steps = []string{"one", "two"}
	features[3].Agent = "codex"
	require.NoError(t, store.ReplaceFeatures("/p", features))
	require.NoError(t, store.ReplaceFeatures("/other", []models.Feature{mk("/other", 0, "o", true)}))

	got, err := store.Features("/p")
	require.NoError(t, err)
	require.Len(t, got, 12)
	assert.Equal(t, "/p:10", got[10].ID, "ordered by list position")
	assert.Equal(t, []string{"one", "two"}, got[2].Steps)
	assert.Equal(t, "codex", got[3].Agent)

	// Shrink the list: stale rows of /p go, /other untouched.
	require.NoError(t, store.ReplaceFeatures("/p", []models.Feature{mk("/p", 0, "f0", true)}))

	got, err = store.Features("/p")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Passes)

	all, err := store.Features("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.ReplaceFeatures("/p", nil))
	got, err = store.Features("/p")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFeatureByDescription(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.ReplaceFeatures("/p", []models.Feature{
		{ID: "/p:0", ProjectDir: "/p", Description: "login", Category: "functional", UpdatedAt: "t"},
		{ID: "/p:1", ProjectDir: "/p", Description: "logout", Category: "functional", UpdatedAt: "t"},
	}))

	f, err := store.FeatureByDescription("/p", "logout")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "/p:1", f.ID)

	f, err = store.FeatureByDescription("/p", "missing")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestSessions_Lifecycle(t *testing.T) {
	store := newTestStore(t)

	sess := &models.Session{SessionID: "s1", SourceAgent: "claude-code", ProjectDir: "/p"}
	require.NoError(t, store.UpsertSession(sess))

	active, err := store.ActiveSessions()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.SessionActive, active[0].Status)

	ended, err := store.EndSession("s1")
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.Equal(t, models.SessionEnded, ended.Status)
	assert.Equal(t, "/p", ended.ProjectDir)

	active, err = store.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, active)

	// Restarting the same id resets it to active.
	require.NoError(t, store.UpsertSession(&models.Session{SessionID: "s1", SourceAgent: "claude-code", ProjectDir: "/p"}))
	got, err := store.GetSession("s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SessionActive, got.Status)

	missing, err := store.EndSession("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = store.GetSession("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSettings_DefaultsAndPersistence(t *testing.T) {
	store := newTestStore(t)

	settings, found, err := store.Settings()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, models.DefaultSettings(), settings)

	settings.WatchedProjects = []string{"/p"}
	settings.NotificationsEnabled = false
	require.NoError(t, store.SaveSettings(settings))

	got, found, err := store.Settings()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, settings, got)
}

func TestSettings_PartialAndCorrupt(t *testing.T) {
	store := newTestStore(t)

	_, err := store.db.Exec(`INSERT INTO config (key, value) VALUES ('main', '{"watchedProjects":["/x"]}')`)
	require.NoError(t, err)

	got, _, err := store.Settings()
	require.NoError(t, err)
	assert.Equal(t, []string{"/x"}, got.WatchedProjects)
	assert.Equal(t, models.DefaultSyncServerPort, got.SyncServerPort)
	assert.True(t, got.NotificationsEnabled)

	_, err = store.db.Exec(`UPDATE config SET value = 'not json' WHERE key = 'main'`)
	require.NoError(t, err)

	got, _, err = store.Settings()
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSettings(), got)
}

func TestAddWatchedProject_Idempotent(t *testing.T) {
	store := newTestStore(t)

	added, err := store.AddWatchedProject("/p")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.AddWatchedProject("/p")
	require.NoError(t, err)
	assert.False(t, added)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AddWatchedProject(fmt.Sprintf("/q%d", i%3))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	settings, _, err := store.Settings()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/p", "/q0", "/q1", "/q2"}, settings.WatchedProjects)
}

func TestStats(t *testing.T) {
	store := newTestStore(t)

	st, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, models.Stats{}, st)

	require.NoError(t, store.ReplaceFeatures("/p", []models.Feature{
		{ID: "/p:0", ProjectDir: "/p", Description: "a", Category: "functional", Passes: true, UpdatedAt: "t"},
		{ID: "/p:1", ProjectDir: "/p", Description: "b", Category: "functional", InProgress: true, UpdatedAt: "t"},
		{ID: "/p:2", ProjectDir: "/p", Description: "c", Category: "functional", UpdatedAt: "t"},
		{ID: "/p:3", ProjectDir: "/p", Description: "d", Category: "functional", Passes: true, UpdatedAt: "t"},
	}))
	require.NoError(t, store.UpsertSession(&models.Session{SessionID: "s", SourceAgent: "a", ProjectDir: "/p"}))

	st, err = store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Total)
	assert.Equal(t, int64(2), st.Completed)
	assert.Equal(t, int64(1), st.InProgress)
	assert.Equal(t, int64(1), st.ActiveSessions)
	assert.InDelta(t, 50.0, st.Percentage, 0.001)

	projects, err := store.Projects()
	require.NoError(t, err)
	assert.Equal(t, []string{"/p"}, projects)
}

func TestConcurrentInserts(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.InsertEvent(&models.AgentEvent{
				EventType: "E", SourceAgent: "a", SessionID: fmt.Sprintf("s%d", i), ProjectDir: "/p",
			}))
		}(i)
	}
	wg.Wait()

	events, err := store.ListEvents(100)
	require.NoError(t, err)
	assert.Len(t, events, 20)
}
