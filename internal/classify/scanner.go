package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_gatekeeper/internal/download"
	"github.com/italolelis/download_gatekeeper/internal/logctx"
)

// Service is the classification-service boundary. Submit returns either a
// synchronous verdict or an async acknowledgement; async verdicts are
// delivered later through the orchestrator's OnVerdict entry point. A nil
// Service means the feature is disabled and the local fallback decides.
type Service interface {
	Submit(ctx context.Context, rec download.Record) (verdict download.Verdict, async bool, err error)
	StartDeepScan(ctx context.Context, rec download.Record) error
	NotifyBypass(ctx context.Context, rec download.Record, dt download.DangerType) error
}

// Scanner talks JSON over HTTP to the classification service.
type Scanner struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewScanner(baseURL, token string, timeout time.Duration) *Scanner {
	return &Scanner{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type scanRequest struct {
	GUID        string `json:"guid"`
	DownloadID  uint32 `json:"download_id"`
	SourceURL   string `json:"source_url,omitempty"`
	TargetPath  string `json:"target_path"`
	TotalBytes  int64  `json:"total_bytes"`
	SavePackage bool   `json:"save_package"`
}

type scanResponse struct {
	Status  string `json:"status"`
	Verdict string `json:"verdict"`
}

// Submit dispatches one classification check. A 202 means the scanner will
// deliver the verdict asynchronously; a 200 carries it inline.
func (s *Scanner) Submit(ctx context.Context, rec download.Record) (download.Verdict, bool, error) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Debug("submitting download for classification",
		"target_path", rec.TargetPath,
		"size", humanize.Bytes(uint64(rec.TotalBytes)),
	)

	body := scanRequest{
		GUID:        rec.GUID,
		DownloadID:  rec.ID,
		SourceURL:   rec.SourceURL,
		TargetPath:  rec.TargetPath,
		TotalBytes:  rec.TotalBytes,
		SavePackage: rec.IsSavePackage,
	}

	resp, err := s.post(ctx, s.baseURL+"/v1/scans", body)
	if err != nil {
		return "", false, &RequestError{Operation: "submit_scan", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return "", true, nil
	case http.StatusOK:
		var sr scanResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			return "", false, &RequestError{Operation: "submit_scan", APIMessage: "malformed response body", Err: err}
		}

		verdict, err := download.ParseVerdict(sr.Verdict)
		if err != nil {
			return "", false, &InvalidVerdictError{Raw: sr.Verdict, Err: err}
		}

		return verdict, false, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return "", false, &RequestError{
			Operation:  "submit_scan",
			StatusCode: resp.StatusCode,
			APIMessage: string(msg),
		}
	}
}

// StartDeepScan asks the scanner to begin a deep scan for a download it has
// already seen. The scan announces itself with an async_scanning verdict
// once it starts, so no transition happens here.
func (s *Scanner) StartDeepScan(ctx context.Context, rec download.Record) error {
	resp, err := s.post(ctx, s.baseURL+"/v1/scans/"+rec.GUID+"/deep", nil)
	if err != nil {
		return &RequestError{Operation: "start_deep_scan", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return &RequestError{Operation: "start_deep_scan", StatusCode: resp.StatusCode}
	}

	return nil
}

// NotifyBypass tells the scanner the user consumed the file before the
// verdict landed, so the bypass can be recorded against the original check.
func (s *Scanner) NotifyBypass(ctx context.Context, rec download.Record, dt download.DangerType) error {
	resp, err := s.post(ctx, s.baseURL+"/v1/scans/"+rec.GUID+"/bypass", map[string]string{
		"danger_type": string(dt),
	})
	if err != nil {
		return &RequestError{Operation: "notify_bypass", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{Operation: "notify_bypass", StatusCode: resp.StatusCode}
	}

	return nil
}

func (s *Scanner) post(ctx context.Context, url string, body any) (*http.Response, error) {
	var buf bytes.Buffer

	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	return s.client.Do(req)
}
