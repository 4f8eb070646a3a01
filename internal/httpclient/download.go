package httpclient

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/localbridge/bridged/internal/bridgeerr"
)

// ProgressFunc receives (bytesSoFar, totalOrZero) as a streaming download
// progresses; totalOrZero is 0 when Content-Length was not sent.
type ProgressFunc func(bytesSoFar, total int64)

// DownloadStream issues an extended-timeout GET and streams the response
// body to w, invoking onProgress as chunks arrive (spec §4.2 "streaming
// variant"). Used by A for attachment downloads.
func (c *Client) DownloadStream(ctx context.Context, path string, w io.Writer, onProgress ProgressFunc) error {
	resp, err := c.requestWithRetry(ctx, http.MethodGet, path, nil, c.opts.Timeout*ExtendedMultiplier)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return bridgeerr.New("httpclient.DownloadStream", bridgeerr.Transport, writeErr)
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return bridgeerr.New("httpclient.DownloadStream", bridgeerr.Transport, readErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// PostMultipart uploads fieldName=fileName with content as a multipart
// form body. Per spec §4.2, multipart uploads never retry — the body
// cannot be safely replayed after a partial send — so this bypasses
// requestWithRetry entirely; callers needing retry semantics do so at a
// higher level via the send/outbound queue (Q).
func (c *Client) PostMultipart(ctx context.Context, path, fieldName, fileName string, content io.Reader) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(fieldName, fileName)
	if err != nil {
		return nil, bridgeerr.New("httpclient.PostMultipart", bridgeerr.BadRequest, err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, bridgeerr.New("httpclient.PostMultipart", bridgeerr.BadRequest, err)
	}
	if err := mw.Close(); err != nil {
		return nil, bridgeerr.New("httpclient.PostMultipart", bridgeerr.BadRequest, err)
	}

	fullURL := c.buildURL(path)
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout*ExtendedMultiplier)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, fullURL, &buf)
	if err != nil {
		cancel()
		return nil, bridgeerr.New("httpclient.PostMultipart", bridgeerr.BadRequest, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	headers, _ := c.tunnelHeadersFor()
	for _, h := range headers {
		req.Header.Set(h.header, h.value)
	}

	resp, err := c.httpClientExtended.Do(req)
	if err != nil {
		cancel()
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, terminalError(resp.StatusCode, body)
	}

	// cancel is deferred to the caller closing resp.Body: the multipart
	// request's timeout context must outlive the caller decoding the
	// response (sendpipeline reads it after PostMultipart returns), the
	// same shape requestWithRetry uses for its own responses.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}
