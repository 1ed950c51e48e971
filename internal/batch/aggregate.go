package batch

import (
	"slices"

	"batchfetch/internal/models"
)

// priority is scanned in order once no error status is present
var priority = []models.Status{
	models.StatusCanceled,
	models.StatusRunning,
	models.StatusPausedByApp,
	models.StatusWaitingToRetry,
	models.StatusWaitingForNetwork,
	models.StatusQueuedForWifi,
	models.StatusPending,
	models.StatusSuccess,
}

// Aggregate reduces member statuses to one representative status. Any error
// wins, lowest code first; otherwise the first status of the priority list
// that is present; otherwise UNKNOWN_ERROR. Order of members does not matter.
func Aggregate(statuses []models.Status) models.Status {
	counts := make(map[models.Status]int, len(statuses))
	var errs []models.Status
	for _, s := range statuses {
		if counts[s] == 0 && s.IsError() {
			errs = append(errs, s)
		}
		counts[s]++
	}

	if len(errs) > 0 {
		return slices.Min(errs)
	}
	for _, s := range priority {
		if counts[s] > 0 {
			return s
		}
	}
	return models.StatusUnknownError
}

// Summarize computes the derived batch state from one snapshot of members.
// The total is unknown while any member total is unknown.
func Summarize(records []*models.DownloadRecord) models.BatchState {
	statuses := make([]models.Status, len(records))
	var state models.BatchState
	for i, rec := range records {
		statuses[i] = rec.Status
		state.CurrentBytes += rec.CurrentBytes
		if state.TotalBytes != models.UnknownSize {
			if rec.HasTotal() {
				state.TotalBytes += rec.TotalBytes
			} else {
				state.TotalBytes = models.UnknownSize
			}
		}
		if rec.Status == models.StatusRunning {
			state.Started = true
		}
	}
	state.Status = Aggregate(statuses)
	return state
}
