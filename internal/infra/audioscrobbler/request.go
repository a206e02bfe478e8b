package audioscrobbler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 1 << 20

// Sign returns the api_sig of params: the md5 of every name and value in name
// order followed by the secret. format and api_sig are not signed.
func Sign(params map[string]string, secret string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		if name == "format" || name == "api_sig" || name == "callback" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(params[name])
	}
	b.WriteString(secret)
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// call posts a signed request, retrying transient failures, and returns the body
// of a successful response.
func (c *Client) call(ctx context.Context, params map[string]string) ([]byte, error) {
	form := url.Values{}
	for name, value := range params {
		form.Set(name, value)
	}
	form.Set("api_sig", Sign(params, c.cfg.APISecret))
	form.Set("format", "json")
	encoded := form.Encode()
	method := params["method"]

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		body, retryAfter, err := c.post(ctx, encoded)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return nil, errors.WithSecondaryError(errors.Wrap(ctx.Err(), "request canceled"), err)
		}
		if !errors.Is(err, ErrTransient) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := c.backoff(attempt, retryAfter)
		zlog.Warn().Msgf("retrying request: method=%s account=%s attempt=%d/%d delay=%v err=%v",
			method, c.binding.ID(), attempt, c.cfg.MaxAttempts, delay, err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, errors.Wrap(err, "retry interrupted")
		}
	}
	return nil, errors.Wrapf(lastErr, "%s: max attempts (%d) exceeded", method, c.cfg.MaxAttempts)
}

// post sends one request. Transient failures are marked with ErrTransient.
func (c *Client) post(ctx context.Context, form string) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form))
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, errors.Wrap(ctx.Err(), "request canceled")
		}
		return nil, 0, errors.Mark(errors.Wrap(err, "failed to send request"), ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, 0, errors.Mark(errors.Wrap(err, "failed to read response body"), ErrTransient)
	}
	if c.cfg.DebugResponses {
		zlog.Info().Msgf("response: service=%s status=%d body=%s", c.cfg.Name, resp.StatusCode, body)
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())

	if apiErr := parseAPIError(body); apiErr != nil {
		switch apiErr.Code {
		case codeOperationFailed, codeServiceOffline, codeTemporaryError, codeRateLimit:
			return nil, retryAfter, errors.Mark(apiErr, ErrTransient)
		}
		return nil, 0, apiErr
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, retryAfter, errors.Mark(errors.Newf("http status %d", resp.StatusCode), ErrTransient)
	case resp.StatusCode != http.StatusOK:
		return nil, 0, errors.Newf("http status %d", resp.StatusCode)
	}
	return body, 0, nil
}

// backoff doubles the base delay per attempt, capped, and prefers the
// server's Retry-After when it asks for longer.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := c.cfg.RetryDelay
	for i := 1; i < attempt && delay < c.cfg.MaxRetryDelay; i++ {
		delay *= 2
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	return min(delay, c.cfg.MaxRetryDelay)
}

// parseRetryAfter reads delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, "failed to parse response")
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
