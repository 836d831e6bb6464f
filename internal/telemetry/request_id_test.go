package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
	}{
		{name: "generated"},
		{name: "propagated", upstream: "abc-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string

			h := RequestID(HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
				w.WriteHeader(http.StatusTeapot)
			})))

			req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusTeapot, rec.Code)
			assert.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

			if tt.upstream != "" {
				assert.Equal(t, tt.upstream, seen)
			}
		})
	}
}

func TestInstrumentProviderOperation_Disabled(t *testing.T) {
	tel := &Telemetry{}

	called := false
	err := tel.InstrumentProviderOperation(t.Context(), "http", "init", func(_ context.Context) error {
		called = true

		return nil
	})

	assert.NoError(t, err)
	assert.True(t, called)
}
