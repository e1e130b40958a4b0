// Package execclient talks to the coordinator's execution and requests API
// surfaces on behalf of the field agent.
package execclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outreachworks/fieldsync/internal/fieldsync"
)

var ErrUnauthorized = errors.New("unauthorized")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	if target == ErrUnauthorized {
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// TokenSource supplies the bearer credential attached to every outgoing
// call. Implementations may rotate the token underneath the client.
type TokenSource interface {
	Token() string
}

type staticToken string

func (t staticToken) Token() string { return string(t) }

func StaticToken(token string) TokenSource {
	return staticToken(strings.TrimSpace(token))
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) StartRun(ctx context.Context, runID int64) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/execution/%d/start", runID), nil, nil)
}

func (c *Client) AdvanceStop(ctx context.Context, runID int64) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/execution/%d/advance", runID), nil, nil)
}

func (c *Client) PreviousStop(ctx context.Context, runID int64) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/execution/%d/previous", runID), nil, nil)
}

func (c *Client) RecordStopDelivery(ctx context.Context, runID, locationID int64, mealsDelivered int, notes string) error {
	body := map[string]any{
		"locationId":     locationID,
		"mealsDelivered": mealsDelivered,
		"notes":          notes,
	}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/execution/%d/stop-delivery", runID), body, nil)
}

func (c *Client) SpotFriend(ctx context.Context, runID, friendID, locationID int64, notes string) error {
	body := map[string]any{
		"friendId":   friendID,
		"locationId": locationID,
		"notes":      notes,
	}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/execution/%d/spot-friend", runID), body, nil)
}

func (c *Client) MarkDelivered(ctx context.Context, requestID int64, notes string) error {
	body := map[string]any{
		"status": "delivered",
		"notes":  notes,
	}
	return c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/requests/%d/status", requestID), body, nil)
}

func (c *Client) DeliveryFailed(ctx context.Context, requestID int64, notes string) error {
	body := map[string]any{"notes": notes}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/requests/%d/delivery-failed", requestID), body, nil)
}

func (c *Client) ExecutionContext(ctx context.Context, runID int64) (fieldsync.RunExecutionContext, error) {
	var out fieldsync.RunExecutionContext
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/execution/%d", runID), nil, &out)
	return out, err
}

func (c *Client) Changes(ctx context.Context, runID int64, since time.Time) (fieldsync.ChangeFeed, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	path := fmt.Sprintf("/execution/%d/changes", runID)
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out fieldsync.ChangeFeed
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.tokens.Token())
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "field_" + uuid.NewString()
}
