package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/download_gatekeeper/internal/download"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() download.Record {
	return download.Record{
		ID:         7,
		GUID:       "guid-7",
		TargetPath: "/downloads/payload.bin",
		TotalBytes: 2048,
	}
}

func TestScannerSubmitInlineVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/scans", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "guid-7", req["guid"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"done","verdict":"uncommon"}`))
	}))
	defer srv.Close()

	s := NewScanner(srv.URL, "secret", 5*time.Second)

	verdict, async, err := s.Submit(context.Background(), testRecord())
	require.NoError(t, err)
	assert.False(t, async)
	assert.Equal(t, download.VerdictUncommon, verdict)
}

func TestScannerSubmitAsyncAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewScanner(srv.URL, "", 5*time.Second)

	_, async, err := s.Submit(context.Background(), testRecord())
	require.NoError(t, err)
	assert.True(t, async)
}

func TestScannerSubmitServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "scan backend overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewScanner(srv.URL, "", 5*time.Second)

	_, _, err := s.Submit(context.Background(), testRecord())
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "submit_scan", reqErr.Operation)
	assert.Equal(t, http.StatusServiceUnavailable, reqErr.StatusCode)
	assert.Contains(t, reqErr.APIMessage, "overloaded")
}

func TestScannerSubmitInvalidVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"done","verdict":"sparkling"}`))
	}))
	defer srv.Close()

	s := NewScanner(srv.URL, "", 5*time.Second)

	_, _, err := s.Submit(context.Background(), testRecord())
	require.Error(t, err)

	var verdictErr *InvalidVerdictError
	require.True(t, errors.As(err, &verdictErr))
	assert.Equal(t, "sparkling", verdictErr.Raw)
}

func TestScannerSubmitConnectionRefused(t *testing.T) {
	s := NewScanner("http://127.0.0.1:1", "", 500*time.Millisecond)

	_, _, err := s.Submit(context.Background(), testRecord())
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Zero(t, reqErr.StatusCode)
	require.NotNil(t, reqErr.Unwrap())
}

func TestScannerStartDeepScan(t *testing.T) {
	var gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewScanner(srv.URL, "", 5*time.Second)

	require.NoError(t, s.StartDeepScan(context.Background(), testRecord()))
	assert.Equal(t, "/v1/scans/guid-7/deep", gotPath)
}

func TestScannerNotifyBypass(t *testing.T) {
	var body map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/scans/guid-7/bypass", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	s := NewScanner(srv.URL, "", 5*time.Second)

	require.NoError(t, s.NotifyBypass(context.Background(), testRecord(), download.DangerousContent))
	assert.Equal(t, "dangerous_content", body["danger_type"])
}
