package cli

import (
	"bytes"
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/config"
	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/client/remote"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestApp builds a standalone agent (in-process remote, no page
// listener) over a temporary data dir.
func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.ServerEndpointAddr = ""
	cfg.UIAddr = ""
	cfg.OnlineCheckInterval = 10 * time.Millisecond
	cfg.FetchDelayMin = time.Millisecond
	cfg.FetchDelayMax = time.Millisecond

	app, err := NewApp(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Close() })
	return app
}

var createdRe = regexp.MustCompile(`Created (\S+)`)

func TestShell_RecordLifecycle(t *testing.T) {
	app := newTestApp(t)

	var buf bytes.Buffer
	cmds := app.shellCommands(&buf)

	runScript(t, cmds, "new p1 North gate survey")
	m := createdRe.FindStringSubmatch(buf.String())
	require.Len(t, m, 2)
	id := m[1]

	runScript(t, cmds,
		"draft "+id+` {"site": {"name": "North gate"}, "notes": "cracked pillar"}`,
		"show "+id+" draft",
		"open "+id+" draft",
		"list",
		"finalize "+id,
		"show "+id+" record",
	)

	text := buf.String()
	assert.Contains(t, text, "Saved draft at revision")
	assert.Contains(t, text, "North gate survey")
	assert.Contains(t, text, "Finalized at revision")
	assert.Contains(t, text, `"notes": "cracked pillar"`)

	rec, err := app.store.Records().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusSubmitted, rec.Status)

	active, err := app.sessions.RestoreActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, active.RecordID)
	assert.Equal(t, models.StageDraft, active.Stage)
}

func TestShell_DeleteHidesRecordFromMerges(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	rec, err := app.records.Create(ctx, models.Record{ProjectID: "p1", Title: "Temp"})
	require.NoError(t, err)

	var buf bytes.Buffer
	runScript(t, app.shellCommands(&buf), "delete "+rec.ID)

	deleted, err := app.store.IsRecordDeleted(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestShell_BadStageIsUsage(t *testing.T) {
	app := newTestApp(t)

	var buf bytes.Buffer
	runScript(t, app.shellCommands(&buf), "show r1 archive")
	assert.Contains(t, buf.String(), "show <record-id> <draft|record>")
}

func TestServe_TracksConnectivity(t *testing.T) {
	app := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	require.Eventually(t, func() bool { return app.coordinator.Status().Online }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "(online)", app.prompt())

	app.source.(*remote.Memory).SetOnline(false)
	require.Eventually(t, func() bool { return !app.coordinator.Status().Online }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestStatus(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	_, err := app.records.Create(ctx, models.Record{ProjectID: "p1", Title: "One"})
	require.NoError(t, err)

	st, err := app.Status(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, st.DeviceID)
	assert.Equal(t, 1, st.Records)
	assert.Equal(t, 1, st.Drafts)
	assert.Equal(t, "online", st.Remote)
	assert.Equal(t, app.sessionID, st.Coordinator.SessionID)
	assert.Positive(t, st.SchemaVersion)
}

func seedProject(t *testing.T, app *App, id, name string) {
	t.Helper()
	_, err := app.source.Upsert(context.Background(), remote.Row{
		Table: remote.TableProjects, ID: id, UpdatedBy: "office", Data: map[string]any{"name": name},
	})
	require.NoError(t, err)
}

func TestShell_RefreshStoresProjects(t *testing.T) {
	app := newTestApp(t)
	seedProject(t, app, "p1", "Harbour")
	seedProject(t, app, "p2", "Bridge")

	var buf bytes.Buffer
	runScript(t, app.shellCommands(&buf), "refresh")
	assert.Contains(t, buf.String(), `"projects": 2`)

	p, err := app.store.Projects().Get(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, "Bridge", p.Name)
}

func TestServe_RefreshesCacheWhenOnline(t *testing.T) {
	app := newTestApp(t)
	seedProject(t, app, "p1", "Harbour")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	require.Eventually(t, func() bool {
		n, err := app.store.Projects().Count(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
