// internal/classifier/client.go
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/saferun/internal/protocol"
)

// Timeouts for the scoring endpoint. ReadTimeout bounds the wait for response
// headers and, separately, the body read. net/http has no per-write deadline on
// the client side, so WriteTimeout only counts toward the overall exchange limit.
const (
	ConnectTimeout = 10 * time.Second
	ReadTimeout    = 30 * time.Second
	WriteTimeout   = 30 * time.Second
)

// ProbeSubject is the subject id sent by Probe
const ProbeSubject = "test_user"

// maxResponseBytes bounds how much of a response body we will read
const maxResponseBytes = 1 << 20

// NetworkError means the endpoint could not be reached
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError means the endpoint answered with a non-2xx status
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("server error: HTTP %d: %s", e.StatusCode, e.Body)
}

// ParseError means the endpoint answered 2xx with a body we could not read
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is or wraps a *NetworkError
func IsNetworkError(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

// IsServerError reports whether err is or wraps a *ServerError
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}

// IsParseError reports whether err is or wraps a *ParseError
func IsParseError(err error) bool {
	var e *ParseError
	return errors.As(err, &e)
}

// Client calls the remote anomaly scoring endpoint
type Client struct {
	client      *http.Client
	bodyTimeout time.Duration
	logger      *zap.Logger
}

// NewClient creates a client with the standard connect/read/write timeouts
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		client: &http.Client{
			// Upper bound for a whole exchange: connect + write + read
			Timeout: ConnectTimeout + WriteTimeout + ReadTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: ConnectTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   ConnectTimeout,
				ResponseHeaderTimeout: ReadTimeout,
			},
		},
		bodyTimeout: ReadTimeout,
		logger:      logger,
	}
}

// Predict asks the endpoint whether the sequence of readings is anomalous.
// Errors are always one of *NetworkError, *ServerError or *ParseError.
func (c *Client) Predict(ctx context.Context, endpoint, subjectID string, readings []protocol.SensorReading) (bool, error) {
	bodyBytes, err := json.Marshal(protocol.NewPredictRequest(subjectID, readings))
	if err != nil {
		return false, &ParseError{Err: fmt.Errorf("encode request: %w", err)}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		// Unusable URL; nothing was sent
		return false, &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	// Headers are in; the body gets its own read deadline
	timer := time.AfterFunc(c.bodyTimeout, cancel)
	defer timer.Stop()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &ServerError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		// Connection dropped mid-body
		return false, &NetworkError{Err: err}
	}
	if len(body) > maxResponseBytes {
		return false, &ParseError{Err: fmt.Errorf("response larger than %d bytes", maxResponseBytes)}
	}

	isAnomaly, err := ParseVerdict(body)
	if err != nil {
		return false, err
	}

	c.logger.Debug("Prediction result",
		zap.String("subject_id", subjectID),
		zap.Int("sequence_length", len(readings)),
		zap.Bool("is_anomaly", isAnomaly))

	return isAnomaly, nil
}

// Probe sends a canned normal reading to endpoint to check it is reachable and
// answering in the expected format. It has no effect on detector state.
func (c *Client) Probe(ctx context.Context, endpoint string) (bool, time.Duration, error) {
	reading := protocol.SensorReading{
		Timestamp:   time.Now().UnixMilli(),
		HeartRate:   75,
		Temperature: 36.5,
		Speed:       5.0,
		Status:      protocol.StatusActive,
	}

	start := time.Now()
	isAnomaly, err := c.Predict(ctx, endpoint, ProbeSubject, []protocol.SensorReading{reading})
	return isAnomaly, time.Since(start), err
}

// ParseVerdict reads is_anomaly out of a response object. A missing or
// non-boolean field means false; a body that is not a JSON object is a *ParseError.
func ParseVerdict(body []byte) (bool, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return false, &ParseError{Err: err}
	}
	if obj == nil {
		return false, &ParseError{Err: errors.New("response is not a JSON object")}
	}

	raw, ok := obj["is_anomaly"]
	if !ok {
		return false, nil
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}

	// Lenient on "true"/"false" strings
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(s, "true"), nil
	}

	return false, nil
}
