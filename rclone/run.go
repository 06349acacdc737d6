package rclone

import (
	"context"
	"time"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/accounting"
)

// Run the function with retries against the stats of one group. A cancelled
// context stops further attempts.
func Run(ctx context.Context, stats *accounting.StatsInfo, f func() error) error {
	ci := fs.GetConfig(ctx)
	var cmdErr error
	for try := 1; try <= ci.Retries; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmdErr = f()
		cmdErr = fs.CountError(ctx, cmdErr)
		lastErr := stats.GetLastError()
		if cmdErr == nil {
			cmdErr = lastErr
		}
		if !stats.Errored() {
			if try > 1 {
				fs.Infof(nil, "Attempt %d/%d succeeded", try, ci.Retries)
			}
			break
		}
		if stats.HadFatalError() {
			fs.Errorf(nil, "Fatal error received - not attempting retries")
			break
		}
		if !stats.HadRetryError() {
			fs.Errorf(nil, "Can't retry any of the errors - not attempting retries")
			break
		}
		if retryAfter := stats.RetryAfter(); !retryAfter.IsZero() {
			if d := time.Until(retryAfter); d > 0 {
				fs.Logf(nil, "Received retry after error - sleeping until %s (%v)", retryAfter.Format(time.RFC3339Nano), d)
				if err := sleep(ctx, d); err != nil {
					return err
				}
			}
		}
		fs.Errorf(nil, "Attempt %d/%d failed with %d errors and: %v", try, ci.Retries, stats.GetErrors(), cmdErr)
		if try < ci.Retries {
			stats.ResetErrors()
			cmdErr = nil
		}
		if ci.RetriesInterval > 0 {
			if err := sleep(ctx, time.Duration(ci.RetriesInterval)); err != nil {
				return err
			}
		}
	}
	return cmdErr
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
