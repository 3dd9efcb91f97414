// internal/monitor/http_detector.go
package monitor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/signalnine/saferun/internal/protocol"
)

// ErrRejected means the server refused the reading as invalid
var ErrRejected = errors.New("reading rejected by server")

// HTTPDetector runs detection on a remote saferun server's /api/v1/detect
type HTTPDetector struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPDetector creates a detector that posts to url
func NewHTTPDetector(url, apiKey string, tlsSkipVerify bool) *HTTPDetector {
	transport := &http.Transport{}
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HTTPDetector{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{
			// Server side may itself wait on the remote classifier
			Timeout:   90 * time.Second,
			Transport: transport,
		},
	}
}

// Detect posts one reading and returns the server's verdict
func (h *HTTPDetector) Detect(ctx context.Context, subjectID string, reading protocol.SensorReading) (protocol.Verdict, error) {
	body, err := json.Marshal(protocol.SubjectReading{SubjectID: subjectID, SensorReading: reading})
	if err != nil {
		return protocol.Verdict{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return protocol.Verdict{}, err
	}

	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return protocol.Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocol.Verdict{}, fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocol.Verdict{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var v protocol.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return protocol.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Source == "" {
		return protocol.Verdict{}, errors.New("verdict without source")
	}
	return v, nil
}
