package dispatch

import (
	"time"

	"batchfetch/internal/models"
)

// Resolve turns an attempt outcome into the record update written back.
//
// Retryable failures wait for another attempt while the failure count stays
// within maxRetries; an attempt that moved bytes restarts the count at one.
// Policy deferrals and shutdown pauses do not count as failures.
func Resolve(rec *models.DownloadRecord, out models.Outcome, maxRetries int, now time.Time) models.RecordUpdate {
	update := models.RecordUpdate{
		Status:       out.Status,
		CurrentBytes: out.CurrentBytes,
		TotalBytes:   out.TotalBytes,
		NumFailed:    rec.NumFailed,
		LastModified: now,
		ErrorMsg:     out.Message,
		Control:      models.ControlRun,
	}
	if out.ShouldPause {
		update.Control = models.ControlPaused
	}

	switch {
	case out.Deferred, out.Status == models.StatusPausedByApp:
		// keep the failure count and any pending server delay
		update.RetryAfter = rec.RetryAfter

	case out.Status == models.StatusSuccess:
		update.NumFailed = 0
		update.ErrorMsg = ""

	case out.Status.IsRetryable():
		failed := rec.NumFailed + 1
		if out.CurrentBytes > rec.CurrentBytes {
			failed = 1
		}
		update.NumFailed = failed
		if failed <= maxRetries {
			update.Status = models.StatusWaitingToRetry
			update.RetryAfter = out.RetryAfter
		}

	case out.Status.IsError():
		update.NumFailed = rec.NumFailed + 1
	}

	return update
}
