package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getmodelgate/modelgate/pkg/usage"
)

// upstreamClient wraps one upstream API: base URL, credential and the
// attribution headers the provider wants on relayed traffic.
type upstreamClient struct {
	baseURL string
	apiKey  string
	referer string
	title   string
	client  *http.Client
}

func newUpstreamClient(baseURL, apiKey string, timeoutSeconds int, referer, title string) *upstreamClient {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 120
	}
	return &upstreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		referer: referer,
		title:   title,
		client: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *upstreamClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}
	return req, nil
}

// postBuffered sends a JSON body and returns the full upstream response.
func (c *upstreamClient) postBuffered(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *upstreamClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// streamResult is what a finished relay hands to the audit path.
type streamResult struct {
	status  int
	usage   usage.Usage
	content string
}

// postStream relays the upstream SSE byte stream to the client unchanged,
// flushing after every chunk, while an accumulator tees off the usage frame
// and the raw events for the audit trail. On a non-2xx upstream status the
// error body is relayed buffered instead.
func (c *upstreamClient) postStream(ctx context.Context, w http.ResponseWriter, path string, body []byte) (streamResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return streamResult{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return streamResult{}, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return streamResult{}, fmt.Errorf("read upstream error: %w", rerr)
		}
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(errBody)
		return streamResult{status: resp.StatusCode, content: string(errBody)}, nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	acc := usage.NewSSEAccumulator()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			acc.Consume(chunk)
			if _, werr := w.Write(chunk); werr != nil {
				// Client hung up; what reached the accumulator so far is
				// still the audit record.
				return streamResult{status: resp.StatusCode, usage: acc.Usage(), content: acc.Content()}, nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return streamResult{status: resp.StatusCode, usage: acc.Usage(), content: acc.Content()}, nil
		}
	}
	return streamResult{status: resp.StatusCode, usage: acc.Usage(), content: acc.Content()}, nil
}

// relayBuffered copies an upstream response straight through to the client.
func relayBuffered(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
