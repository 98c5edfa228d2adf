package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleResult(id string, started time.Time) *reconcile.Result {
	return &reconcile.Result{
		RunID: id,
		Plan: reconcile.Plan{
			Operation: reconcile.Operation{Kind: reconcile.KindMachineQ35, Version: "8.1"},
			Snapshot:  reconcile.PolicyReplace,
		},
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Guests: []reconcile.GuestResult{
			{VMID: 101, Outcome: reconcile.OutcomeFailed, WasRunning: true, Duration: time.Second},
			{VMID: 100, Outcome: reconcile.OutcomeSucceeded, WasRunning: true,
				Snapshot: reconcile.SnapshotOutcome{Action: reconcile.SnapshotReplaced, Name: "weekly"}, Duration: 80 * time.Second},
		},
		Failures: []reconcile.Failure{
			{VMID: 101, Step: reconcile.StepApply, Message: "400 Parameter verification failed."},
			{VMID: 101, Step: reconcile.StepStart, Message: "start failed"},
		},
	}
}

func Test_Store_SaveAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, sampleResult("0b7c7a4e-1111", started)))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, "0b7c7a4e-1111", r.ID)
	assert.Equal(t, reconcile.KindMachineQ35, r.Operation)
	assert.Equal(t, "8.1", r.Plan.Operation.Version)
	assert.Equal(t, reconcile.PolicyReplace, r.Plan.Snapshot)
	assert.True(t, r.StartedAt.Equal(started))
	assert.Equal(t, 2, r.Guests)
	assert.Equal(t, 2, r.Failures)

	outcomes, err := s.Outcomes(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, 100, outcomes[0].VMID)
	assert.Equal(t, reconcile.SnapshotReplaced, outcomes[0].Snapshot.Action)
	assert.Equal(t, "weekly", outcomes[0].Snapshot.Name)
	assert.Equal(t, 80*time.Second, outcomes[0].Duration)
	assert.Equal(t, reconcile.OutcomeFailed, outcomes[1].Outcome)

	failures, err := s.Failures(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, reconcile.StepApply, failures[0].Step)
	assert.Equal(t, reconcile.StepStart, failures[1].Step)
}

func Test_Store_ListRuns_NewestFirstWithLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.Save(ctx, sampleResult(id, base.Add(time.Duration(i)*time.Hour))))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
}

func Test_Store_GetRun_Cases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Save(ctx, sampleResult("abc-123", now)))
	require.NoError(t, s.Save(ctx, sampleResult("abd-456", now)))

	tests := []struct {
		name    string
		prefix  string
		wantID  string
		wantErr bool
	}{
		{name: "full id", prefix: "abc-123", wantID: "abc-123"},
		{name: "unique prefix", prefix: "abd", wantID: "abd-456"},
		{name: "ambiguous prefix", prefix: "ab", wantErr: true},
		{name: "unknown", prefix: "zzz", wantErr: true},
		{name: "empty", prefix: " ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := s.GetRun(ctx, tt.prefix)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, r.ID)
		})
	}

	_, err := s.GetRun(ctx, "zzz")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func Test_Store_SaveDuplicateRunFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleResult("dup", time.Now())))
	assert.Error(t, s.Save(ctx, sampleResult("dup", time.Now())))

	outcomes, err := s.Outcomes(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, outcomes, 2, "failed save must not add rows")
}

func Test_Store_Prune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, sampleResult("old", old)))
	require.NoError(t, s.Save(ctx, sampleResult("recent", recent)))

	n, err := s.Prune(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "recent", runs[0].ID)

	failures, err := s.Failures(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func Test_Open_EmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func Test_Store_NilClose(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Close())
}
