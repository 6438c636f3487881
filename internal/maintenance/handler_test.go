package maintenance

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"storegate/internal/observability"
)

func TestCleanupHiddenWithoutConfiguredSecret(t *testing.T) {
	handler := NewCleanupHandler(nil, observability.NewLogger(), "", 100)

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupRejectsBadCredentials(t *testing.T) {
	handler := NewCleanupHandler(nil, observability.NewLogger(), "topsecret", 100)

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic topsecret"},
		{"wrong secret", "Bearer nope"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.Handle(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestCleanupRejectsUnsupportedMethod(t *testing.T) {
	handler := NewCleanupHandler(nil, observability.NewLogger(), "topsecret", 100)

	req := httptest.NewRequest(http.MethodDelete, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	rec := httptest.NewRecorder()
	handler.Handle(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
