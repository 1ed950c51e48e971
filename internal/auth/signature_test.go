package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"
	"time"
)

func fixedSigner(secret string, now time.Time) *Signer {
	s := NewSigner([]byte(secret))
	s.now = func() time.Time { return now }
	return s
}

func TestSigner_SignFormat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := fixedSigner("test-secret", now)
	body := []byte(`{"type":"batch.completed"}`)

	got := s.Sign(body)

	h := hmac.New(sha256.New, []byte("test-secret"))
	h.Write([]byte("1700000000." + string(body)))
	want := "t=1700000000,v1=" + hex.EncodeToString(h.Sum(nil))

	if got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestSigner_Verify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := fixedSigner("test-secret", now)
	body := []byte(`{"batch_id":"b1"}`)
	valid := s.Sign(body)

	old := fixedSigner("test-secret", now.Add(-time.Hour)).Sign(body)
	other := fixedSigner("other-secret", now).Sign(body)

	tests := []struct {
		name        string
		body        []byte
		header      string
		maxAge      time.Duration
		wantErr     bool
		errContains string
	}{
		{
			name:   "valid signature",
			body:   body,
			header: valid,
			maxAge: 5 * time.Minute,
		},
		{
			name:   "order of parts does not matter",
			body:   body,
			header: strings.Join([]string{strings.Split(valid, ",")[1], strings.Split(valid, ",")[0]}, ","),
		},
		{
			name:        "missing header",
			body:        body,
			header:      "",
			wantErr:     true,
			errContains: "required",
		},
		{
			name:        "tampered body",
			body:        []byte(`{"batch_id":"b2"}`),
			header:      valid,
			wantErr:     true,
			errContains: "invalid signature",
		},
		{
			name:        "wrong secret",
			body:        body,
			header:      other,
			wantErr:     true,
			errContains: "invalid signature",
		},
		{
			name:        "expired",
			body:        body,
			header:      old,
			maxAge:      5 * time.Minute,
			wantErr:     true,
			errContains: "expired",
		},
		{
			name:   "age check disabled",
			body:   body,
			header: old,
		},
		{
			name:        "malformed",
			body:        body,
			header:      "v1=abc",
			wantErr:     true,
			errContains: "malformed",
		},
		{
			name:        "bad timestamp",
			body:        body,
			header:      "t=soon,v1=abc",
			wantErr:     true,
			errContains: "invalid timestamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Verify(tt.body, tt.header, tt.maxAge)

			if tt.wantErr {
				if err == nil {
					t.Fatal("Verify() error = nil, wantErr true")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Verify() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}

			if err != nil {
				t.Errorf("Verify() error = %v, wantErr false", err)
			}
		})
	}
}

func TestSigner_Enabled(t *testing.T) {
	var nilSigner *Signer
	if nilSigner.Enabled() {
		t.Error("nil signer should be disabled")
	}
	if NewSigner(nil).Enabled() {
		t.Error("signer without secret should be disabled")
	}
	if !NewSigner([]byte("k")).Enabled() {
		t.Error("signer with secret should be enabled")
	}
}

func TestSigner_RealClockRoundTrip(t *testing.T) {
	s := NewSigner([]byte("k"))
	body := []byte(strconv.Itoa(42))
	if err := s.Verify(body, s.Sign(body), time.Minute); err != nil {
		t.Errorf("Verify(Sign()) error = %v", err)
	}
}
