package models

import (
	"net/http"
	"time"
)

// UnknownSize marks a total byte count that has not been discovered yet.
const UnknownSize int64 = -1

// Transfer strategy names stored on a record.
const (
	StrategyPlain   = "plain"
	StrategyArchive = "archive"
)

// Header is one request header. Records keep headers as an ordered list so
// a key may appear more than once.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DownloadRecord is the persisted state of one download
type DownloadRecord struct {
	ID          string   `json:"id"`
	BatchID     string   `json:"batch_id"`
	URI         string   `json:"uri"`
	Headers     []Header `json:"headers,omitempty"`
	Destination string   `json:"destination"`
	Strategy    string   `json:"strategy,omitempty"`

	Status       Status        `json:"status"`
	CurrentBytes int64         `json:"current_bytes"`
	TotalBytes   int64         `json:"total_bytes"`
	NumFailed    int           `json:"num_failed"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	LastModified time.Time     `json:"last_modified"`
	ErrorMsg     string        `json:"error_msg,omitempty"`

	AllowRoaming               bool    `json:"allow_roaming"`
	AllowMetered               bool    `json:"allow_metered"`
	BypassRecommendedSizeLimit bool    `json:"bypass_recommended_size_limit"`
	Control                    Control `json:"control"`

	Owner        string    `json:"owner,omitempty"`
	LeaseExpires time.Time `json:"lease_expires,omitempty"`
}

// HTTPHeader converts the ordered header list into an http.Header.
func (r *DownloadRecord) HTTPHeader() http.Header {
	h := make(http.Header, len(r.Headers))
	for _, hdr := range r.Headers {
		h.Add(hdr.Name, hdr.Value)
	}
	return h
}

// HasTotal reports whether the total size is known.
func (r *DownloadRecord) HasTotal() bool {
	return r.TotalBytes >= 0
}

// Batch is a named group of downloads with one rolled-up status.
type Batch struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Status       Status `json:"status"`
	Started      bool   `json:"started"`
	TotalBytes   int64  `json:"total_bytes"`
	CurrentBytes int64  `json:"current_bytes"`
}

// BatchState is the derived part of a batch written back after aggregation.
type BatchState struct {
	Status       Status
	Started      bool
	TotalBytes   int64
	CurrentBytes int64
}

// Outcome is the terminal result of one transfer attempt.
type Outcome struct {
	Status       Status
	Message      string
	CurrentBytes int64
	TotalBytes   int64
	ShouldPause  bool
	RetryAfter   time.Duration

	// Deferred is set when the network policy rejected the attempt before
	// any request was made.
	Deferred bool
}

// RecordUpdate is what an attempt writes back to its record in one atomic update.
type RecordUpdate struct {
	Status       Status
	CurrentBytes int64
	TotalBytes   int64
	NumFailed    int
	RetryAfter   time.Duration
	LastModified time.Time
	ErrorMsg     string
	Control      Control
}
