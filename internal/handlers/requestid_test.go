package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithID(t *testing.T, inbound string) (header, seen string) {
	t.Helper()

	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	if inbound != "" {
		req.Header.Set(RequestIDHeader, inbound)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Header().Get(RequestIDHeader), seen
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"generated when absent", "", false},
		{"uuid kept", "550e8400-e29b-41d4-a716-446655440000", true},
		{"opaque token kept", "job-42/retry.1", true},
		{"max length kept", strings.Repeat("x", maxRequestIDLen), true},
		{"space replaced", "a b", false},
		{"control character replaced", "abc\x01def", false},
		{"non-ascii replaced", "ідентифікатор", false},
		{"too long replaced", strings.Repeat("x", maxRequestIDLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, seen := serveWithID(t, tt.inbound)

			assert.Equal(t, header, seen, "context and response must carry the same id")
			if tt.keep {
				assert.Equal(t, tt.inbound, header)
				return
			}
			_, err := uuid.Parse(header)
			require.NoError(t, err, "expected a fresh UUID, got %q", header)
		})
	}
}

func TestRequestIDMiddleware_UniquePerRequest(t *testing.T) {
	a, _ := serveWithID(t, "")
	b, _ := serveWithID(t, "")
	assert.NotEqual(t, a, b)
}

func TestGetRequestID_Empty(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}
