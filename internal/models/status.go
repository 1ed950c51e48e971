package models

import "strconv"

// Status is the numeric state of a download. Values in the 4xx and 5xx range
// line up with HTTP status codes so that a failed request can be recorded
// with the code the server returned.
type Status int

const (
	StatusPending           Status = 190
	StatusRunning           Status = 192
	StatusPausedByApp       Status = 193
	StatusWaitingToRetry    Status = 194
	StatusWaitingForNetwork Status = 195
	StatusQueuedForWifi     Status = 196

	StatusSuccess Status = 200

	StatusCannotResume      Status = 489
	StatusCanceled          Status = 490
	StatusUnknownError      Status = 491
	StatusFileError         Status = 492
	StatusUnhandledRedirect Status = 493
	StatusUnhandledHTTPCode Status = 494
	StatusHTTPDataError     Status = 495
	StatusTooManyRedirects  Status = 497
)

var statusNames = map[Status]string{
	StatusPending:           "PENDING",
	StatusRunning:           "RUNNING",
	StatusPausedByApp:       "PAUSED_BY_APP",
	StatusWaitingToRetry:    "WAITING_TO_RETRY",
	StatusWaitingForNetwork: "WAITING_FOR_NETWORK",
	StatusQueuedForWifi:     "QUEUED_FOR_WIFI",
	StatusSuccess:           "SUCCESS",
	StatusCannotResume:      "CANNOT_RESUME",
	StatusCanceled:          "CANCELED",
	StatusUnknownError:      "UNKNOWN_ERROR",
	StatusFileError:         "FILE_ERROR",
	StatusUnhandledRedirect: "UNHANDLED_REDIRECT",
	StatusUnhandledHTTPCode: "UNHANDLED_HTTP_CODE",
	StatusHTTPDataError:     "HTTP_DATA_ERROR",
	StatusTooManyRedirects:  "TOO_MANY_REDIRECTS",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	if s.IsError() {
		return "FAILED_" + strconv.Itoa(int(s))
	}
	return "STATUS_" + strconv.Itoa(int(s))
}

// IsError reports whether s is a failure. CANCELED sits inside the error
// range numerically but is a normal terminal state.
func (s Status) IsError() bool {
	return s >= 400 && s < 600 && s != StatusCanceled
}

// IsTerminal reports whether no further attempt happens without resubmission.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusCanceled || s.IsError()
}

// IsPending reports whether the download is waiting for a future attempt.
func (s Status) IsPending() bool {
	switch s {
	case StatusPending, StatusPausedByApp, StatusWaitingToRetry,
		StatusWaitingForNetwork, StatusQueuedForWifi:
		return true
	}
	return false
}

// IsRetryable reports whether a failed attempt with this status may be
// scheduled again with backoff.
func (s Status) IsRetryable() bool {
	switch s {
	case StatusHTTPDataError, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// Control is the cooperative run flag of a download.
type Control int

const (
	ControlRun Control = iota
	ControlPaused
)

func (c Control) String() string {
	if c == ControlPaused {
		return "PAUSED"
	}
	return "RUN"
}

// NetworkDecision is the result of a network policy check.
type NetworkDecision int

const (
	NetworkOK NetworkDecision = iota
	NetworkNoConnection
	NetworkBlocked
	NetworkCannotUseRoaming
	NetworkTypeDisallowedByRequestor
	NetworkUnusableDueToSize
	NetworkRecommendedUnusableDueToSize
)

var decisionNames = [...]string{
	NetworkOK:                           "OK",
	NetworkNoConnection:                 "NO_CONNECTION",
	NetworkBlocked:                      "BLOCKED",
	NetworkCannotUseRoaming:             "CANNOT_USE_ROAMING",
	NetworkTypeDisallowedByRequestor:    "TYPE_DISALLOWED_BY_REQUESTOR",
	NetworkUnusableDueToSize:            "UNUSABLE_DUE_TO_SIZE",
	NetworkRecommendedUnusableDueToSize: "RECOMMENDED_UNUSABLE_DUE_TO_SIZE",
}

func (d NetworkDecision) String() string {
	if int(d) < len(decisionNames) {
		return decisionNames[d]
	}
	return "UNKNOWN"
}

// Status maps a rejection to the pending status the download waits in.
// Size and network-type rejections wait for an unmetered network.
func (d NetworkDecision) Status() Status {
	switch d {
	case NetworkOK:
		return StatusRunning
	case NetworkTypeDisallowedByRequestor, NetworkUnusableDueToSize, NetworkRecommendedUnusableDueToSize:
		return StatusQueuedForWifi
	default:
		return StatusWaitingForNetwork
	}
}
