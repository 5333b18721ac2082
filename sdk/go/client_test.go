package leadline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/allocations/run", r.URL.Path)
		require.Equal(t, "tester", r.Header.Get("X-Actor-Id"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "2024-03-01", body["date"])
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RunResult{Date: "2024-03-01", Assigned: 5})
	}))
	defer srv.Close()

	c := New(srv.URL, WithActorID("tester"))
	res, err := c.RunAllocation(context.Background(), "2024-03-01", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Assigned)
}

func TestErrorEnvelopeDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "not_found", "message": "allocation for team x on 2024-03-01: not found"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Rollback(context.Background(), "x", "2024-03-01")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
