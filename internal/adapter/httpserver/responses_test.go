package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

func TestWriteErrorMapsSentinels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{domain.ErrConflict, http.StatusConflict, "CONFLICT"},
		{domain.ErrInsufficientCredits, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"},
		{domain.ErrVoiceSampleMissing, http.StatusConflict, "VOICE_SAMPLE_MISSING"},
		{domain.ErrUpstreamRateLimit, http.StatusServiceUnavailable, "UPSTREAM_RATE_LIMIT"},
		{domain.ErrUpstreamFailed, http.StatusBadGateway, "UPSTREAM_FAILED"},
		{domain.ErrStorageFailed, http.StatusBadGateway, "STORAGE_FAILED"},
		{domain.ErrQueueTimeout, http.StatusServiceUnavailable, "QUEUE_TIMEOUT"},
		{assert.AnError, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range tests {
		t.Run(tc.wantCode, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			// Wrapped errors must map the same as bare sentinels.
			writeError(rec, nil, fmt.Errorf("op=test: %w", tc.err), nil)

			assert.Equal(t, tc.wantStatus, rec.Code)
			var body errorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}
