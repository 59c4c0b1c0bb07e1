// Package sync replays offline-captured dispense requests against the
// dispensary API and reconciles the local queue with the server's answer.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/carepoint/dispensary/internal/domain/dispense"
	"github.com/carepoint/dispensary/pkg/circuitbreaker"
)

// Client replays a captured request against the server.
type Client interface {
	Replay(ctx context.Context, req *dispense.Request) (*dispense.Result, error)
}

// ValidationError is a server-side rejection that retrying cannot fix:
// the captured request conflicts with current server state. The entry
// is taken out of the retry loop and surfaced for manual review.
type ValidationError struct {
	Code       string `json:"code"`
	Message    string `json:"error"`
	MedicineID string `json:"medicine_id,omitempty"`
	Available  int    `json:"available,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsTerminal reports whether err is a validation rejection rather than
// a transient transport or server failure.
func IsTerminal(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// HTTPClient talks to the dispense API over HTTP with a per-request
// timeout and a circuit breaker so an unreachable server fails fast.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// ClientConfig configures the HTTP replay client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout bounds one replay attempt end to end.
	Timeout time.Duration
}

// NewHTTPClient builds a replay client. A zero Timeout defaults to 30s.
func NewHTTPClient(cfg ClientConfig, logger *zap.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("dispense-api"), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Replay POSTs req to the dispense endpoint. A 2xx answer decodes into
// the dispense result. A 4xx answer carrying a known validation code
// becomes a *ValidationError and does not count against the breaker.
// Anything else (connection refused, timeout, 5xx) is transient.
func (c *HTTPClient) Replay(ctx context.Context, req *dispense.Request) (*dispense.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		res, err := c.post(ctx, body)
		if err != nil {
			return nil, err
		}
		if verr, ok := res.(*ValidationError); ok {
			// A validated rejection is a healthy server. Report it
			// as a breaker success and fail the call afterwards.
			return verr, nil
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if verr, ok := result.(*ValidationError); ok {
		return nil, verr
	}
	return result.(*dispense.Result), nil
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (interface{}, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/dispense", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("replay request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result dispense.Result
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return &result, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var verr ValidationError
		if err := json.Unmarshal(respBody, &verr); err == nil && knownCode(verr.Code) {
			return &verr, nil
		}
		// Unknown 4xx shape: auth or routing problem, not queue state.
		return nil, fmt.Errorf("replay rejected: status %d: %s", resp.StatusCode, respBody)

	default:
		return nil, fmt.Errorf("server error: status %d", resp.StatusCode)
	}
}

func knownCode(code string) bool {
	switch code {
	case dispense.CodePrescriptionNotFound,
		dispense.CodePrescriptionCompleted,
		dispense.CodeLineNotFound,
		dispense.CodeLineQuantityExceeded,
		dispense.CodeInsufficientStock,
		dispense.CodeInvalidQuantity,
		dispense.CodeReplayFailed:
		return true
	}
	return false
}
