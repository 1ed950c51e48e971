package netpolicy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchfetch/internal/config"
	"batchfetch/internal/models"
)

func TestDecide(t *testing.T) {
	mobile := State{
		Connected:                     true,
		Type:                          TypeMobile,
		Metered:                       true,
		MaxBytesOverMobile:            1000,
		RecommendedMaxBytesOverMobile: 500,
	}

	tests := []struct {
		name  string
		rec   models.DownloadRecord
		state State
		want  models.NetworkDecision
	}{
		{
			name:  "not connected",
			rec:   models.DownloadRecord{TotalBytes: 10, AllowMetered: true, AllowRoaming: true},
			state: State{Connected: false, Type: TypeWifi},
			want:  models.NetworkNoConnection,
		},
		{
			name:  "type none",
			rec:   models.DownloadRecord{TotalBytes: models.UnknownSize},
			state: State{Connected: true, Type: TypeNone},
			want:  models.NetworkNoConnection,
		},
		{
			name:  "blocked",
			rec:   models.DownloadRecord{TotalBytes: 10},
			state: State{Connected: true, Blocked: true, Type: TypeWifi, Roaming: true},
			want:  models.NetworkBlocked,
		},
		{
			name:  "roaming disallowed",
			rec:   models.DownloadRecord{TotalBytes: 10, AllowMetered: false},
			state: State{Connected: true, Type: TypeMobile, Roaming: true, Metered: true},
			want:  models.NetworkCannotUseRoaming,
		},
		{
			name:  "roaming allowed",
			rec:   models.DownloadRecord{TotalBytes: 10, AllowRoaming: true, AllowMetered: true},
			state: State{Connected: true, Type: TypeMobile, Roaming: true, Metered: true},
			want:  models.NetworkOK,
		},
		{
			name:  "metered disallowed",
			rec:   models.DownloadRecord{TotalBytes: 10},
			state: mobile,
			want:  models.NetworkTypeDisallowedByRequestor,
		},
		{
			name:  "unknown size on mobile",
			rec:   models.DownloadRecord{TotalBytes: models.UnknownSize, AllowMetered: true},
			state: mobile,
			want:  models.NetworkOK,
		},
		{
			name:  "over hard ceiling",
			rec:   models.DownloadRecord{TotalBytes: 1001, AllowMetered: true, BypassRecommendedSizeLimit: true},
			state: mobile,
			want:  models.NetworkUnusableDueToSize,
		},
		{
			name:  "over recommended ceiling",
			rec:   models.DownloadRecord{TotalBytes: 600, AllowMetered: true},
			state: mobile,
			want:  models.NetworkRecommendedUnusableDueToSize,
		},
		{
			name:  "over recommended ceiling with bypass",
			rec:   models.DownloadRecord{TotalBytes: 600, AllowMetered: true, BypassRecommendedSizeLimit: true},
			state: mobile,
			want:  models.NetworkOK,
		},
		{
			name:  "under both ceilings",
			rec:   models.DownloadRecord{TotalBytes: 500, AllowMetered: true},
			state: mobile,
			want:  models.NetworkOK,
		},
		{
			name:  "no ceilings configured",
			rec:   models.DownloadRecord{TotalBytes: 1 << 40, AllowMetered: true},
			state: State{Connected: true, Type: TypeMobile, Metered: true},
			want:  models.NetworkOK,
		},
		{
			name:  "unmetered wifi ignores ceilings",
			rec:   models.DownloadRecord{TotalBytes: 1 << 40},
			state: State{Connected: true, Type: TypeWifi, MaxBytesOverMobile: 1},
			want:  models.NetworkOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(&tt.rec, tt.state))
		})
	}
}

func TestDecide_NoConnectionDominates(t *testing.T) {
	for _, blocked := range []bool{false, true} {
		for _, roaming := range []bool{false, true} {
			for _, metered := range []bool{false, true} {
				for _, size := range []int64{models.UnknownSize, 0, 1 << 40} {
					rec := &models.DownloadRecord{TotalBytes: size}
					st := State{
						Connected:          false,
						Blocked:            blocked,
						Roaming:            roaming,
						Metered:            metered,
						Type:               TypeMobile,
						MaxBytesOverMobile: 1,
					}
					require.Equal(t, models.NetworkNoConnection, Decide(rec, st))
				}
			}
		}
	}
}

func TestDecide_UnmeteredWifiAlwaysOK(t *testing.T) {
	st := State{Connected: true, Type: TypeWifi, MaxBytesOverMobile: 10, RecommendedMaxBytesOverMobile: 5}
	for _, size := range []int64{models.UnknownSize, 0, 11, 1 << 50} {
		rec := &models.DownloadRecord{TotalBytes: size}
		require.Equal(t, models.NetworkOK, Decide(rec, st), "size=%d", size)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	rec := &models.DownloadRecord{TotalBytes: 600, AllowMetered: true}
	st := State{Connected: true, Type: TypeMobile, Metered: true, RecommendedMaxBytesOverMobile: 500}

	first := Decide(rec, st)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Decide(rec, st))
	}
	assert.Equal(t, int64(600), rec.TotalBytes)
}

func TestStatic(t *testing.T) {
	cfg := &config.Config{
		NetworkConnected:   true,
		NetworkType:        "mobile",
		NetworkMetered:     true,
		MaxBytesOverMobile: 42,
	}
	s := NewStatic(FromConfig(cfg))

	st, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypeMobile, st.Type)
	assert.Equal(t, int64(42), st.MaxBytesOverMobile)
	assert.False(t, st.Unmetered())

	s.Set(State{Connected: true, Type: TypeWifi})
	st, err = s.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Unmetered())
}
