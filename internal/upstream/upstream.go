// Package upstream speaks the Gemini streamGenerateContent SSE protocol:
// building the request body and decoding `data:` lines into text fragments.
package upstream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gemini-gateway/internal/models"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Client builds and issues streamGenerateContent requests against a Gemini-
// compatible base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client whose requests are bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ErrProtocol marks a response that completed the HTTP handshake but did
// not hold up its end of the streaming contract (wrong content type).
type ErrProtocol struct {
	Message string
}

func (e *ErrProtocol) Error() string { return e.Message }

// ErrUpstreamStatus carries a non-2xx HTTP status from the upstream.
type ErrUpstreamStatus struct {
	StatusCode int
}

func (e *ErrUpstreamStatus) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// buildRequestBody serialises the chat history and optional search tool
// into the Gemini request payload using sjson, mirroring the exact
// `{"contents": ..., "tools": [...]}` shape the upstream expects.
func buildRequestBody(history []models.Turn, enableSearch bool) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	body, err = sjson.SetBytes(body, "contents", history)
	if err != nil {
		return nil, fmt.Errorf("encoding contents: %w", err)
	}
	if enableSearch {
		body, err = sjson.SetRawBytes(body, "tools", []byte(`[{"google_search":{}}]`))
		if err != nil {
			return nil, fmt.Errorf("encoding tools: %w", err)
		}
	}
	return body, nil
}

// Session streams text fragments from one upstream call. Callers must
// call Close when done.
type Session struct {
	body    *http.Response
	scanner *bufio.Scanner
}

// Open issues the streamGenerateContent request for model using key and
// returns a Session positioned to read SSE lines. A non-2xx status
// surfaces as *ErrUpstreamStatus; a 2xx response with the wrong content
// type surfaces as *ErrProtocol.
func (c *Client) Open(ctx context.Context, model, key string, history []models.Turn, enableSearch bool) (*Session, error) {
	payload, err := buildRequestBody(history, enableSearch)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, model, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &ErrUpstreamStatus{StatusCode: resp.StatusCode}
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body.Close()
		return nil, &ErrProtocol{Message: "response is not a server-sent-event stream"}
	}

	return &Session{body: resp, scanner: bufio.NewScanner(resp.Body)}, nil
}

// Next reads the next SSE line carrying a text fragment, skipping blank
// lines and frames that fail to parse (matching the source's tolerant
// best-effort decoding). It returns io.EOF-equivalent via the ok=false,
// err=nil result once the stream is exhausted cleanly.
func (s *Session) Next() (fragment string, ok bool, err error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := line[len("data: "):]
		text := gjson.Get(payload, "candidates.0.content.parts.0.text")
		if !text.Exists() {
			continue
		}
		return text.String(), true, nil
	}
	if scanErr := s.scanner.Err(); scanErr != nil {
		return "", false, fmt.Errorf("reading upstream stream: %w", scanErr)
	}
	return "", false, nil
}

// Close releases the underlying HTTP response body.
func (s *Session) Close() error {
	return s.body.Body.Close()
}
