// Package api is the client for the Vakya product endpoints.
package api

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

	retry "github.com/appleboy/go-httpretry"
)

const (
	textTimeout  = 60 * time.Second
	queryTimeout = 10 * time.Second
)

// Error is a non-2xx reply from the product API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api request failed with status %d: %s", e.StatusCode, e.Message)
}

// Client calls the product API through an http.Client that carries the
// session, normally one built by pipeline.NewClient.
//
// Text operations consume quota and are sent once. Reads and deletes go
// through the retry client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      *retry.Client
}

func New(baseURL string, httpClient *http.Client) (*Client, error) {
	rc, err := retry.NewBackgroundClient(retry.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		retry:      rc,
	}, nil
}

type textRequest struct {
	Message  string `json:"message"`
	Language string `json:"language"`
}

// Paraphrase rewrites text in the given language.
func (c *Client) Paraphrase(ctx context.Context, text, language string) (string, error) {
	var out struct {
		Paraphrased string `json:"paraphrased"`
	}
	if err := c.postText(ctx, "/paraphrase", text, language, &out); err != nil {
		return "", err
	}
	return out.Paraphrased, nil
}

func (c *Client) CheckGrammar(ctx context.Context, text, language string) (*GrammarResult, error) {
	var out GrammarResult
	if err := c.postText(ctx, "/grammar_check", text, language, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns usage totals and the remaining monthly quota.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.get(ctx, "/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists the most recent items of kind. A limit of zero or less
// leaves the page size to the server.
func (c *Client) History(ctx context.Context, kind HistoryKind, limit int) ([]HistoryItem, error) {
	path := "/history/" + string(kind)
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out []HistoryItem
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Type == "" {
			out[i].Type = kind.itemType()
		}
	}
	return out, nil
}

func (c *Client) DeleteHistory(ctx context.Context, kind HistoryKind, id string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/history/"+string(kind)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.retry.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, nil)
}

func (c *Client) postText(ctx context.Context, path, text, language string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, textTimeout)
	defer cancel()

	body, err := json.Marshal(textRequest{Message: text, Language: language})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.retry.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &Error{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the human readable part of an error body.
func errorMessage(body []byte) string {
	var e struct {
		Detail           json.RawMessage `json:"detail"`
		Error            string          `json:"error"`
		ErrorDescription string          `json:"error_description"`
	}
	if json.Unmarshal(body, &e) == nil {
		var detail string
		switch {
		case len(e.Detail) > 0 && json.Unmarshal(e.Detail, &detail) == nil:
			return detail
		case len(e.Detail) > 0:
			return string(e.Detail)
		case e.ErrorDescription != "":
			return e.ErrorDescription
		case e.Error != "":
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// IsQuotaExceeded reports whether err means the monthly quota is used up.
func IsQuotaExceeded(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == http.StatusPaymentRequired)
}
