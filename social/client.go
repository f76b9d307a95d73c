package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"nftbridge/observability/logging"
	"nftbridge/store"
)

const (
	defaultAPIBase       = "https://api.twitter.com"
	defaultUploadBase    = "https://upload.twitter.com"
	defaultMaxMediaBytes = 5 << 20
)

var (
	// ErrEmptyPost is returned for posts without text.
	ErrEmptyPost = errors.New("social: post text cannot be empty")
	// ErrMediaTooLarge is returned when fetched media exceeds the configured limit.
	ErrMediaTooLarge = errors.New("social: media too large")
)

// APIError carries a non-2xx response from the platform.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("social: api returned %d: %s", e.Status, e.Body)
}

// Client posts on behalf of users with OAuth 1.0a user-context credentials.
type Client struct {
	oauth         *oauth1.Config
	http          *http.Client
	apiBase       string
	uploadBase    string
	limiter       *rate.Limiter
	maxMediaBytes int64
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIBase overrides the API origin.
func WithAPIBase(base string) Option {
	return func(c *Client) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			c.apiBase = base
		}
	}
}

// WithUploadBase overrides the media upload origin.
func WithUploadBase(base string) Option {
	return func(c *Client) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			c.uploadBase = base
		}
	}
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRateLimit caps outbound platform calls. A zero limit disables limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithMaxMediaBytes bounds media downloads.
func WithMaxMediaBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxMediaBytes = n
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a client for the application's consumer credentials.
func NewClient(consumerKey, consumerSecret string, opts ...Option) *Client {
	c := &Client{
		oauth: oauth1.NewConfig(consumerKey, consumerSecret),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiBase:       defaultAPIBase,
		uploadBase:    defaultUploadBase,
		limiter:       rate.NewLimiter(rate.Every(time.Second), 5),
		maxMediaBytes: defaultMaxMediaBytes,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type postRequest struct {
	Text  string     `json:"text"`
	Media *postMedia `json:"media,omitempty"`
}

type postMedia struct {
	MediaIDs []string `json:"media_ids"`
}

// Post publishes text, optionally with previously uploaded media, and returns the post id.
func (c *Client) Post(ctx context.Context, creds store.AccessTokens, text string, mediaIDs []string) (string, error) {
	if text == "" {
		return "", ErrEmptyPost
	}
	payload := postRequest{Text: text}
	if len(mediaIDs) > 0 {
		payload.Media = &postMedia{MediaIDs: mediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("social: encode post: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("social: build post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, req, creds, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("social: post response missing id")
	}
	c.logger.InfoContext(ctx, "post published",
		slog.String("post_id", resp.Data.ID),
		logging.MaskField("oauth_token", creds.Token))
	return resp.Data.ID, nil
}

// UploadMedia uploads a media blob and returns its media id.
func (c *Client) UploadMedia(ctx context.Context, creds store.AccessTokens, media []byte) (string, error) {
	if len(media) == 0 {
		return "", fmt.Errorf("social: empty media")
	}
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("media", "media")
	if err != nil {
		return "", fmt.Errorf("social: build upload: %w", err)
	}
	if _, err := part.Write(media); err != nil {
		return "", fmt.Errorf("social: build upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("social: build upload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadBase+"/1.1/media/upload.json", &buf)
	if err != nil {
		return "", fmt.Errorf("social: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var resp struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := c.do(ctx, req, creds, &resp); err != nil {
		return "", err
	}
	if resp.MediaIDString == "" {
		return "", fmt.Errorf("social: upload response missing media id")
	}
	return resp.MediaIDString, nil
}

// FetchMedia downloads media referenced by redeem content.
func (c *Client) FetchMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("social: build media request: %w", err)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("social: unsupported media url scheme %q", req.URL.Scheme)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("social: fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &APIError{Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
	blob, err := io.ReadAll(io.LimitReader(resp.Body, c.maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("social: read media: %w", err)
	}
	if int64(len(blob)) > c.maxMediaBytes {
		return nil, ErrMediaTooLarge
	}
	return blob, nil
}

func (c *Client) do(ctx context.Context, req *http.Request, creds store.AccessTokens, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("social: rate limit: %w", err)
		}
	}
	resp, err := c.userClient(ctx, creds).Do(req)
	if err != nil {
		return fmt.Errorf("social: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &APIError{Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("social: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// userClient signs every request with the consumer credentials and the user's access token
// on top of the instrumented transport.
func (c *Client) userClient(ctx context.Context, creds store.AccessTokens) *http.Client {
	ctx = context.WithValue(ctx, oauth1.HTTPClient, c.http)
	client := c.oauth.Client(ctx, oauth1.NewToken(creds.Token, creds.Secret))
	client.Timeout = c.http.Timeout
	return client
}

func readSnippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(body))
}
