package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bakeoff/internal/domain"
)

// Client calls the JSON services behind the pipeline.
type Client struct {
	APIKey string
	HTTP   *http.Client
}

func (c Client) do(req *http.Request, out any) error {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	res, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Host, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(out)
}

func (c Client) postJSON(ctx context.Context, endpoint string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// HTTPParser posts an attachment reference to a document-parsing service.
type HTTPParser struct {
	Client
	URL string
}

func (p HTTPParser) Parse(ctx context.Context, att domain.Attachment) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := p.postJSON(ctx, p.URL, map[string]any{"url": att.URL, "filename": att.Filename, "mime_type": att.MimeType}, &out)
	return out.Text, err
}

// HTTPSearcher queries a web-search service with ?q=.
type HTTPSearcher struct {
	Client
	URL string
}

func (s HTTPSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := s.do(req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// HTTPCompleter sends a prompt to an LLM completion service.
type HTTPCompleter struct {
	Client
	URL string
}

func (c HTTPCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := c.postJSON(ctx, c.URL, map[string]string{"prompt": prompt}, &out)
	return out.Text, err
}
