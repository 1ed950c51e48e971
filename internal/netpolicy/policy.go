package netpolicy

import (
	"context"
	"sync"

	"batchfetch/internal/config"
	"batchfetch/internal/models"
)

// NetworkType is the class of the active network
type NetworkType string

const (
	TypeNone     NetworkType = "none"
	TypeWifi     NetworkType = "wifi"
	TypeEthernet NetworkType = "ethernet"
	TypeMobile   NetworkType = "mobile"
)

// State is a snapshot of connectivity plus the configured size ceilings
type State struct {
	Connected bool
	Blocked   bool
	Type      NetworkType
	Metered   bool
	Roaming   bool

	// Ceilings for constrained networks; zero means not configured.
	MaxBytesOverMobile            int64
	RecommendedMaxBytesOverMobile int64
}

// Unmetered reports whether the network class is trusted for any download size.
func (s State) Unmetered() bool {
	return !s.Metered && s.Type != TypeMobile
}

// Decide returns whether rec may use the network described by st. It has no
// side effects.
func Decide(rec *models.DownloadRecord, st State) models.NetworkDecision {
	if !st.Connected || st.Type == TypeNone {
		return models.NetworkNoConnection
	}
	if st.Blocked {
		return models.NetworkBlocked
	}
	if st.Roaming && !rec.AllowRoaming {
		return models.NetworkCannotUseRoaming
	}
	if st.Metered && !rec.AllowMetered {
		return models.NetworkTypeDisallowedByRequestor
	}
	return checkSize(rec, st)
}

func checkSize(rec *models.DownloadRecord, st State) models.NetworkDecision {
	if !rec.HasTotal() {
		return models.NetworkOK
	}
	if st.Unmetered() {
		return models.NetworkOK
	}
	if st.MaxBytesOverMobile > 0 && rec.TotalBytes > st.MaxBytesOverMobile {
		return models.NetworkUnusableDueToSize
	}
	if !rec.BypassRecommendedSizeLimit && st.RecommendedMaxBytesOverMobile > 0 &&
		rec.TotalBytes > st.RecommendedMaxBytesOverMobile {
		return models.NetworkRecommendedUnusableDueToSize
	}
	return models.NetworkOK
}

// Connectivity reports the current network state
type Connectivity interface {
	Current(ctx context.Context) (State, error)
}

// Static is a Connectivity whose state is set by the operator and may be
// replaced at runtime
type Static struct {
	mu    sync.RWMutex
	state State
}

// NewStatic creates a Static provider with the given state
func NewStatic(st State) *Static {
	return &Static{state: st}
}

// FromConfig builds the initial network state from the application config
func FromConfig(cfg *config.Config) State {
	return State{
		Connected:                     cfg.NetworkConnected,
		Blocked:                       cfg.NetworkBlocked,
		Type:                          NetworkType(cfg.NetworkType),
		Metered:                       cfg.NetworkMetered,
		Roaming:                       cfg.NetworkRoaming,
		MaxBytesOverMobile:            cfg.MaxBytesOverMobile,
		RecommendedMaxBytesOverMobile: cfg.RecommendedMaxBytesOverMobile,
	}
}

// Current returns the stored state
func (s *Static) Current(ctx context.Context) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

// Set replaces the stored state
func (s *Static) Set(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
