// Package retention deletes expired date buckets from the public tree.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/pdf-to-tiff-service/internal/publish"
)

// ErrNegativeRetention is returned for a negative retention horizon.
var ErrNegativeRetention = errors.New("retention days cannot be negative")

// Report summarises one sweep.
type Report struct {
	Removed []string
	Skipped []string
	Kept    int
}

// Sweeper removes {root}/{YYYY_MM_DD} buckets older than the retention horizon.
type Sweeper struct {
	now  func() time.Time
	log  *logger.Logger
	root string
	days int
}

// NewSweeper creates a sweeper for root keeping days whole days of buckets.
func NewSweeper(root string, days int, log *logger.Logger) (*Sweeper, error) {
	if days < 0 {
		return nil, fmt.Errorf("%d: %w", days, ErrNegativeRetention)
	}

	return &Sweeper{now: time.Now, log: log, root: root, days: days}, nil
}

// WithClock replaces the sweeper's time source.
func (sweeper *Sweeper) WithClock(now func() time.Time) *Sweeper {
	sweeper.now = now

	return sweeper
}

// Sweep inspects the immediate subdirectories of the root once. Names that are not
// dates are skipped. A bucket is removed when more than the configured number of whole
// days separate its midnight from now. A missing root is not an error. Failures to
// remove one bucket do not stop the sweep; they are joined into the returned error.
func (sweeper *Sweeper) Sweep() (Report, error) {
	var report Report

	entries, readErr := os.ReadDir(sweeper.root)
	if errors.Is(readErr, os.ErrNotExist) {
		sweeper.log.Info("Publish root %s not found, nothing to sweep", sweeper.root)

		return report, nil
	}

	if readErr != nil {
		return report, fmt.Errorf("failed to list %s: %w", sweeper.root, readErr)
	}

	now := sweeper.now()

	var removeErrs []error

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		bucketDate, parseErr := time.ParseInLocation(publish.DateLayout, entry.Name(), now.Location())
		if parseErr != nil {
			report.Skipped = append(report.Skipped, entry.Name())

			continue
		}

		if !sweeper.expired(now, bucketDate) {
			report.Kept++

			continue
		}

		bucketPath := filepath.Join(sweeper.root, entry.Name())

		removeErr := os.RemoveAll(bucketPath)
		if removeErr != nil {
			sweeper.log.Error("Failed to remove expired bucket %s: %v", bucketPath, removeErr)
			removeErrs = append(removeErrs, fmt.Errorf("remove %s: %w", bucketPath, removeErr))

			continue
		}

		sweeper.log.Info("Removed expired bucket: %s", bucketPath)
		report.Removed = append(report.Removed, entry.Name())
	}

	return report, errors.Join(removeErrs...)
}

// expired reports whether the bucket is more than the retention horizon in calendar
// days older than today. Both dates are taken in the clock's zone.
func (sweeper *Sweeper) expired(now, bucketDate time.Time) bool {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	return bucketDate.AddDate(0, 0, sweeper.days).Before(today)
}

// Run sweeps immediately and then on every tick until ctx ends.
func (sweeper *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	sweeper.sweepAndLog()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sweeper.log.Info("Stopping retention sweeps")

			return nil
		case <-ticker.C:
			sweeper.sweepAndLog()
		}
	}
}

func (sweeper *Sweeper) sweepAndLog() {
	report, sweepErr := sweeper.Sweep()
	if sweepErr != nil {
		sweeper.log.Error("Retention sweep failed: %v", sweepErr)
	}

	if len(report.Removed) > 0 {
		sweeper.log.Success("Retention sweep removed %d bucket(s)", len(report.Removed))
	}
}
