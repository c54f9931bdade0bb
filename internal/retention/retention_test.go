package retention_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/pdf-to-tiff-service/internal/retention"
)

func fixedNow() time.Time {
	return time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
}

func newTestSweeper(t *testing.T, root string, days int) *retention.Sweeper {
	t.Helper()

	log, err := logger.New(t.TempDir(), "retention.log")
	require.NoError(t, err)

	sweeper, err := retention.NewSweeper(root, days, log)
	require.NoError(t, err)

	return sweeper.WithClock(fixedNow)
}

func makeBucket(t *testing.T, root, name string) {
	t.Helper()

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.tiff"), []byte("tiff"), 0o600))
}

func TestSweep_RemovesOnlyExpiredBuckets(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	makeBucket(t, root, "2026_10_18") // today
	makeBucket(t, root, "2026_10_04") // 14 calendar days: kept
	makeBucket(t, root, "2026_10_03") // 15 calendar days: removed
	makeBucket(t, root, "2025_01_01") // long expired
	makeBucket(t, root, "2026_12_01") // future: kept
	makeBucket(t, root, "not-a-date")
	require.NoError(t, os.WriteFile(filepath.Join(root, "2020_01_01"), []byte("file"), 0o600))

	report, err := newTestSweeper(t, root, 14).Sweep()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"2026_10_03", "2025_01_01"}, report.Removed)
	assert.Equal(t, []string{"not-a-date"}, report.Skipped)
	assert.Equal(t, 3, report.Kept)

	assert.DirExists(t, filepath.Join(root, "2026_10_18"))
	assert.DirExists(t, filepath.Join(root, "2026_10_04"))
	assert.DirExists(t, filepath.Join(root, "2026_12_01"))
	assert.DirExists(t, filepath.Join(root, "not-a-date"))
	assert.NoDirExists(t, filepath.Join(root, "2026_10_03"))
	assert.NoDirExists(t, filepath.Join(root, "2025_01_01"))
	assert.FileExists(t, filepath.Join(root, "2020_01_01"), "plain files are never touched")
}

func TestSweep_MissingRootIsNotAnError(t *testing.T) {
	t.Parallel()

	report, err := newTestSweeper(t, filepath.Join(t.TempDir(), "absent"), 14).Sweep()
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
}

func TestSweep_ZeroDaysKeepsToday(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	makeBucket(t, root, "2026_10_18")
	makeBucket(t, root, "2026_10_17")
	makeBucket(t, root, "2026_10_16")

	report, err := newTestSweeper(t, root, 0).Sweep()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2026_10_17", "2026_10_16"}, report.Removed)
}

func TestSweep_CountsCalendarDaysAcrossDST(t *testing.T) {
	t.Parallel()

	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}

	root := t.TempDir()
	makeBucket(t, root, "2026_03_07")
	makeBucket(t, root, "2026_03_08")

	log, err := logger.New(t.TempDir(), "retention.log")
	require.NoError(t, err)

	sweeper, err := retention.NewSweeper(root, 1, log)
	require.NoError(t, err)

	// Half an hour into the day after the spring-forward, only 47.5 hours after
	// 2026_03_07 began.
	sweeper.WithClock(func() time.Time {
		return time.Date(2026, time.March, 9, 0, 30, 0, 0, newYork)
	})

	report, err := sweeper.Sweep()
	require.NoError(t, err)
	assert.Equal(t, []string{"2026_03_07"}, report.Removed)
	assert.DirExists(t, filepath.Join(root, "2026_03_08"))
}

func TestNewSweeper_RejectsNegativeDays(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "retention.log")
	require.NoError(t, err)

	_, err = retention.NewSweeper(t.TempDir(), -1, log)
	require.ErrorIs(t, err, retention.ErrNegativeRetention)
}

func TestRun_SweepsImmediatelyAndStops(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	makeBucket(t, root, "2020_05_05")

	sweeper := newTestSweeper(t, root, 14)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- sweeper.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(filepath.Join(root, "2020_05_05"))

		return os.IsNotExist(statErr)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
