package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/localbridge/bridged/internal/bridgeerr"
)

// requestWithRetry is request_with_retry from spec §4.2: an iterative loop
// modeled on the teacher's doWithRetry, but the retry predicate is the spec's
// status/transport classification rather than the teacher's session-epoch
// protocol (this daemon authenticates with a single static bridge key, not
// per-request bearer tokens).
func (c *Client) requestWithRetry(ctx context.Context, method, path string, body []byte, timeout time.Duration) (*http.Response, error) {
	fullURL := c.buildURL(path)
	headers, isCloudflare := c.tunnelHeadersFor()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.opts.BaseDelay, c.opts.MaxDelay, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		logRequest(method, fullURL, attempt)

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, method, fullURL, bodyReader(body))
		if err != nil {
			cancel()
			return nil, bridgeerr.New("httpclient.requestWithRetry", bridgeerr.BadRequest, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for _, h := range headers {
			req.Header.Set(h.header, h.value)
		}

		resp, err := c.clientFor(timeout).Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if attempt < c.opts.MaxRetries && isTransportRetryable(err) {
				log.Warn().Err(err).Int("attempt", attempt).Msg("httpclient transport error, retrying")
				continue
			}
			return nil, classifyTransportError(err)
		}

		// Spec §4.2 one-shot Cloudflare 502: only on attempt 0, regardless of
		// retry budget, when the effective host matched "trycloudflare".
		if attempt == 0 && isCloudflare && resp.StatusCode == http.StatusBadGateway {
			resp.Body.Close()
			cancel()
			lastErr = fmt.Errorf("cloudflare 502 on first attempt")
			continue
		}

		if c.opts.RetryableCode[resp.StatusCode] && attempt < c.opts.MaxRetries {
			resp.Body.Close()
			cancel()
			lastErr = fmt.Errorf("retryable status %d", resp.StatusCode)
			continue
		}

		// Terminal: map non-2xx to a classified error, else pass through.
		if resp.StatusCode >= 400 {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			return nil, terminalError(resp.StatusCode, bodyBytes)
		}

		// cancel is deferred to the caller closing resp.Body via a wrapped
		// reader so the context outlives body consumption.
		resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
}

// cancelOnCloseBody propagates context cancellation to the per-attempt
// timeout context only once the response body is fully consumed/closed.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) clientFor(timeout time.Duration) *http.Client {
	if timeout > c.opts.Timeout {
		return c.httpClientExtended
	}
	return c.httpClient
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// backoffDelay implements spec §4.2: before attempt k (k>=1), sleep
// min(base_delay * 2^(k-1), max_delay).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > max || d < 0 {
		return max
	}
	return d
}

func isTransportRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTransportRetryable(err) {
		return bridgeerr.New("httpclient", bridgeerr.Transport, err)
	}
	return bridgeerr.New("httpclient", bridgeerr.Unknown, err)
}

// terminalError implements spec §4.2's non-retry terminal mappings:
// 401/403 -> Auth; any 5xx after budget exhaustion -> ServerError; anything
// else 4xx -> BadRequest.
func terminalError(status int, body []byte) error {
	kind := bridgeerr.FromStatus(status)
	err := fmt.Errorf("status %d: %s", status, string(body))
	return bridgeerr.New("httpclient", kind, err).WithStatus(status)
}
