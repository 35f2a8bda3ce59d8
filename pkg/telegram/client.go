// Package telegram is a minimal Telegram Bot API client covering the
// surface the ingestion consumer and confirmation delivery need: long-poll
// getUpdates, sendMessage, and file downloads.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.telegram.org"

// Client performs Bot API calls.
type Client interface {
	GetUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	GetFile(ctx context.Context, fileID string) (*File, error)
	DownloadFile(ctx context.Context, filePath string) (io.ReadCloser, error)
}

// Update is one getUpdates entry. Only message updates are mapped.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64      `json:"message_id"`
	From      *User      `json:"from"`
	Chat      Chat       `json:"chat"`
	Date      int64      `json:"date"`
	Text      string     `json:"text"`
	Caption   string     `json:"caption"`
	Document  *Document  `json:"document"`
	Photo     []PhotoSize `json:"photo"`
}

// User identifies the sender.
type User struct {
	ID        int64  `json:"id"`
	UserName  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Chat identifies the conversation.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Document is an attached file.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// PhotoSize is one resolution of an attached photo. Telegram sends several;
// the last is the largest.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size"`
}

// File is the getFile answer; FilePath feeds DownloadFile.
type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRPS caps outgoing requests per second.
func WithRPS(rps int) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Bot API client for the given bot token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		// Long polls hold the connection open for the poll timeout, so the
		// client timeout has to sit above it.
		http: &http.Client{Timeout: 65 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

func (c *httpClient) call(ctx context.Context, method string, payload any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "telegram: rate limit wait")
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrapf(err, "telegram: marshal %s", method)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrapf(err, "telegram: create %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "telegram: %s", method)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrapf(err, "telegram: read %s response", method)
	}

	var api apiResponse
	if err := json.Unmarshal(respBody, &api); err != nil {
		return eris.Wrapf(err, "telegram: unmarshal %s response", method)
	}
	if !api.OK {
		return eris.Errorf("telegram: %s returned %d: %s", method, api.ErrorCode, api.Description)
	}
	if out != nil {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return eris.Wrapf(err, "telegram: unmarshal %s result", method)
		}
	}
	return nil
}

func (c *httpClient) GetUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *httpClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

func (c *httpClient) GetFile(ctx context.Context, fileID string) (*File, error) {
	var file File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

func (c *httpClient) DownloadFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "telegram: rate limit wait")
		}
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "telegram: create download request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "telegram: download %s", filePath)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck
		return nil, eris.Errorf("telegram: download %s returned %d", filePath, resp.StatusCode)
	}
	return resp.Body, nil
}

// LargestPhoto returns the file ID of the highest-resolution photo variant,
// or empty when the message carries none.
func (m *Message) LargestPhoto() string {
	if len(m.Photo) == 0 {
		return ""
	}
	best := m.Photo[0]
	for _, p := range m.Photo[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best.FileID
}
