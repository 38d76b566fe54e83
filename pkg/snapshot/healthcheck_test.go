package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/notifier"
	"github.com/ci-remediator/ci-remediator/pkg/snapshot"
	"github.com/ci-remediator/ci-remediator/pkg/store/memory"
	"github.com/ci-remediator/ci-remediator/pkg/vcs"
)

type recordingNotifier struct {
	sent []notifier.Kind
}

func (r *recordingNotifier) Send(ctx context.Context, channel string, kind notifier.Kind, payload notifier.Payload) error {
	r.sent = append(r.sent, kind)
	return nil
}

func TestEvaluate_PassesWhenNoSubsequentFailureAndPROpen(t *testing.T) {
	ctx := context.Background()
	fv := newFakeVcs()
	fv.files[key("sha1", "main.go")] = []byte("x")

	st := memory.New()
	mclock := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr := snapshot.New(st, fv, mclock, 7*24*time.Hour)
	snap, err := mgr.Capture(ctx, "x/y", "rem-1", "main", "sha1", []string{"main.go"})
	require.NoError(t, err)

	notif := &recordingNotifier{}
	hc := snapshot.NewHealthChecker(st, fv, notif, mgr, mclock)
	check, err := hc.Schedule(ctx, "rem-1", snap.SnapshotID, 5*time.Minute)
	require.NoError(t, err)

	mclock.Advance(5 * time.Minute)
	resolved, err := hc.Evaluate(ctx, check, snapshot.RuleInput{
		Repository: "x/y", Branch: "main", FixBranch: "fix/rem-1", PRNumber: 42,
	}, snap)
	require.NoError(t, err)
	require.True(t, *resolved.Passed)
	require.False(t, resolved.TriggeredRollback)
	require.Empty(t, notif.sent)
}

func TestEvaluate_TriggersRollbackAndCriticalAlertOnSubsequentFailure(t *testing.T) {
	ctx := context.Background()
	fv := newFakeVcs()
	fv.files[key("sha1", "main.go")] = []byte("original")
	fv.files[key("fix/rem-1", "main.go")] = []byte("edited")
	fv.runs = []vcs.WorkflowRun{{RunID: 99, Branch: "fix/rem-1", Status: "failure"}}

	st := memory.New()
	mclock := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr := snapshot.New(st, fv, mclock, 7*24*time.Hour)
	snap, err := mgr.Capture(ctx, "x/y", "rem-1", "main", "sha1", []string{"main.go"})
	require.NoError(t, err)

	notif := &recordingNotifier{}
	hc := snapshot.NewHealthChecker(st, fv, notif, mgr, mclock)
	check, err := hc.Schedule(ctx, "rem-1", snap.SnapshotID, 5*time.Minute)
	require.NoError(t, err)

	mclock.Advance(5 * time.Minute)
	resolved, err := hc.Evaluate(ctx, check, snapshot.RuleInput{
		Repository: "x/y", Branch: "main", FixBranch: "fix/rem-1", PRNumber: 42,
	}, snap)
	require.NoError(t, err)
	require.False(t, *resolved.Passed)
	require.True(t, resolved.TriggeredRollback)
	require.Equal(t, []byte("original"), fv.files[key("fix/rem-1", "main.go")])
	require.Contains(t, notif.sent, notifier.KindCritical)
}

func TestDueNow_OnlyReturnsPastScheduledTime(t *testing.T) {
	ctx := context.Background()
	fv := newFakeVcs()
	fv.files[key("sha1", "main.go")] = []byte("x")
	st := memory.New()
	mclock := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr := snapshot.New(st, fv, mclock, 7*24*time.Hour)
	snap, err := mgr.Capture(ctx, "x/y", "rem-1", "main", "sha1", []string{"main.go"})
	require.NoError(t, err)

	notif := &recordingNotifier{}
	hc := snapshot.NewHealthChecker(st, fv, notif, mgr, mclock)
	_, err = hc.Schedule(ctx, "rem-1", snap.SnapshotID, 5*time.Minute)
	require.NoError(t, err)

	due, err := hc.DueNow(ctx)
	require.NoError(t, err)
	require.Empty(t, due)

	mclock.Advance(6 * time.Minute)
	due, err = hc.DueNow(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
}
