package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deviationsync/internal/config"
	"deviationsync/internal/events"
	"deviationsync/internal/metrics"
	"deviationsync/internal/repo"
)

const feedDoc = `records:
  - id: 1042
    status: Investigation
    responsible_name: ada moreau
    responsible_email: ada@example.com
    department: QC
    dr_type: Deviation
    opened_date: 2024-04-01
    due_date: 2024-05-01
`

func openTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deviations.yml"), []byte(feedDoc), 0o644))
	cfg := config.Default("Deviations")
	cfg.Retry.Delay = time.Millisecond
	ws, err := OpenWorkspace(context.Background(), dir, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func newSyncer(t *testing.T, ws *Workspace) *Syncer {
	t.Helper()
	s, err := ws.Syncer(zaptest.NewLogger(t), metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	s.Now = func() time.Time { return time.Date(2024, 4, 10, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestRunDryRunThenApplyThenUnchanged(t *testing.T) {
	ws := openTestWorkspace(t)
	ctx := context.Background()

	dry, err := newSyncer(t, ws).Run(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, repo.PassDryRun, dry.Status)
	assert.Equal(t, 1, dry.Summary.New)
	require.Len(t, dry.Plan.Creates, 1)
	parents, children, err := ws.Repo.CountSheetRows(ctx, "Deviations")
	require.NoError(t, err)
	assert.Zero(t, parents+children, "dry run leaves the sheet alone")

	applied, err := newSyncer(t, ws).Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, repo.PassSucceeded, applied.Status)
	assert.Equal(t, 1, applied.Result.Created)
	parents, children, err = ws.Repo.CountSheetRows(ctx, "Deviations")
	require.NoError(t, err)
	assert.Equal(t, 1, parents)
	assert.Equal(t, 5, children)

	again, err := newSyncer(t, ws).Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, repo.PassSucceeded, again.Status)
	assert.Equal(t, 1, again.Summary.Unchanged)
	assert.Zero(t, again.Summary.New)
	assert.True(t, again.Plan.Empty())

	pass, err := ws.Repo.GetPass(ctx, applied.PassID)
	require.NoError(t, err)
	assert.Equal(t, repo.PassSucceeded, pass.Status)
	assert.Contains(t, pass.Summary, `"created":1`)
	assert.NotEmpty(t, pass.FinishedAt)

	evts, err := ws.Repo.PassEvents(ctx, applied.PassID, 0, 100)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, events.PassStarted, types[0])
	assert.Contains(t, types, events.PlanComputed)
	assert.Contains(t, types, events.HierarchyCreated)
	assert.Equal(t, events.PassFinished, types[len(types)-1])

	_, err = ws.Repo.GetLease(ctx, "Deviations")
	assert.ErrorIs(t, err, repo.ErrNotFound, "lease is released after the pass")
}

func TestRunRefusesHeldLease(t *testing.T) {
	ws := openTestWorkspace(t)
	ctx := context.Background()
	_, err := ws.Repo.AcquireLease(ctx, "Deviations", "other-host", time.Hour)
	require.NoError(t, err)

	_, err = newSyncer(t, ws).Run(ctx, RunOptions{})
	assert.True(t, errors.Is(err, repo.ErrLeaseHeld))
	passes, err := ws.Repo.ListPasses(ctx, repo.PassFilters{})
	require.NoError(t, err)
	assert.Empty(t, passes)
}

func TestFeedRejectsUnknownKind(t *testing.T) {
	ws := openTestWorkspace(t)
	ws.Config.Source.Kind = "ftp"
	_, err := ws.Feed()
	assert.Error(t, err)
}
