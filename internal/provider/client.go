// Package provider is the HTTP client for the external voice-synthesis API.
// Every failure it returns is a *core.ProviderError tagged with the kind the
// executor uses to decide between rotating credentials and giving up.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/tts-gateway/internal/core"
	"golang.org/x/time/rate"
)

// API endpoints and paths.
const (
	DefaultBaseURL      = "https://api.elevenlabs.io/v1"
	apiTextToSpeech     = "/text-to-speech/"
	apiSharedVoices     = "/shared-voices"
	apiUserSubscription = "/user/subscription"
	queryOutputFormat   = "output_format"
)

// HTTP headers.
const (
	headerAPIKey      = "xi-api-key"
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerUserAgent   = "User-Agent"
	contentTypeJSON   = "application/json"
	contentTypeAudio  = "audio/"
	contentTypeBinary = "application/octet-stream"
	acceptAudio       = "audio/*"
)

// Default values.
const (
	defaultTimeout   = 120 * time.Second
	defaultUserAgent = "tts-gateway/1.0"
	maxErrorBodySize = 64 * 1024
)

// Error messages.
const (
	errMsgEmptyAudio       = "provider returned an empty payload"
	errMsgNonAudioPayload  = "provider returned a non-audio payload"
	errFmtMarshalRequest   = "failed to marshal request: %w"
	errFmtCreateRequest    = "failed to create request: %w"
	errFmtReadResponse     = "failed to read response: %w"
	errFmtDecodeResponse   = "failed to decode response: %w"
	errFmtRateLimiterWait  = "rate limiter: %w"
	errFmtRequestCancelled = "request cancelled: %w"
	errFmtProxyURL         = "invalid proxy %q: %w"
)

// ErrEmptyText is returned when a synthesis request carries no text.
var ErrEmptyText = errors.New("text cannot be empty")

// Client talks to the voice-synthesis API on behalf of pool credentials.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	limiter    *rate.Limiter
	proxies    []string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds every outbound call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Timeout: timeout}
	}
}

// WithRateLimit caps outbound requests per second across all credentials.
// A non-positive rate disables limiting.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = nil

			return
		}

		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), max(1, burst))
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithProxies routes every outbound call through one of proxies, picked at
// random per request. An empty list connects directly.
func WithProxies(proxies []string) Option {
	return func(c *Client) {
		c.proxies = nil

		for _, proxy := range proxies {
			if proxy = strings.TrimSpace(proxy); proxy != "" {
				c.proxies = append(c.proxies, proxy)
			}
		}
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    DefaultBaseURL,
		userAgent:  defaultUserAgent,
		limiter:    nil,
		proxies:    nil,
	}

	for _, opt := range opts {
		opt(client)
	}

	if len(client.proxies) > 0 {
		client.useProxies()
	}

	return client
}

// useProxies swaps in a copy of the HTTP client whose transport asks
// pickProxy for every request.
func (c *Client) useProxies() {
	transport, ok := c.httpClient.Transport.(*http.Transport)
	if !ok || transport == nil {
		transport, _ = http.DefaultTransport.(*http.Transport)
	}

	proxied := transport.Clone()
	proxied.Proxy = c.pickProxy

	httpClient := *c.httpClient
	httpClient.Transport = proxied
	c.httpClient = &httpClient
}

func (c *Client) pickProxy(*http.Request) (*url.URL, error) {
	raw := c.proxies[rand.IntN(len(c.proxies))]

	proxy, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf(errFmtProxyURL, raw, err)
	}

	return proxy, nil
}

type synthesisBody struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceSettings core.VoiceSettings `json:"voice_settings"`
	Seed          *uint32            `json:"seed,omitempty"`
	LanguageCode  string             `json:"language_code,omitempty"`
}

// Synthesize renders one text fragment and returns the audio payload.
func (c *Client) Synthesize(
	ctx context.Context,
	credential core.Credential,
	req core.SynthesisRequest,
) ([]byte, error) {
	if req.Text == "" {
		return nil, core.NewProviderError(core.KindValidation, 0, "", "", ErrEmptyText)
	}

	body, err := json.Marshal(synthesisBody{
		Text:          req.Text,
		ModelID:       req.ModelID,
		VoiceSettings: req.Settings,
		Seed:          req.Seed,
		LanguageCode:  req.LanguageCode,
	})
	if err != nil {
		return nil, fmt.Errorf(errFmtMarshalRequest, err)
	}

	endpoint := c.baseURL + apiTextToSpeech + url.PathEscape(req.VoiceID)
	if req.OutputFormat != "" {
		endpoint += "?" + url.Values{queryOutputFormat: {req.OutputFormat}}.Encode()
	}

	resp, err := c.do(ctx, credential, http.MethodPost, endpoint, body, acceptAudio)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, fmt.Errorf(errFmtReadResponse, err))
	}

	if len(payload) == 0 {
		return nil, core.NewProviderError(core.KindServerError, resp.StatusCode, "", errMsgEmptyAudio, nil)
	}

	if !IsAudio(resp.Header.Get(headerContentType), payload) {
		return nil, core.NewProviderError(core.KindServerError, resp.StatusCode, "", errMsgNonAudioPayload, nil)
	}

	return payload, nil
}

// getJSON performs a GET and decodes a structured success payload into target.
func (c *Client) getJSON(ctx context.Context, credential core.Credential, endpoint string, target any) error {
	resp, err := c.do(ctx, credential, http.MethodGet, endpoint, nil, contentTypeJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return core.NewProviderError(core.KindServerError, resp.StatusCode, "", "", fmt.Errorf(errFmtDecodeResponse, err))
	}

	return nil
}

// do sends one request and returns the response only for 2xx statuses.
// Callers own the body of the returned response.
func (c *Client) do(
	ctx context.Context,
	credential core.Credential,
	method, endpoint string,
	body []byte,
	accept string,
) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, transportError(ctx, fmt.Errorf(errFmtRateLimiterWait, err))
		}
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateRequest, err)
	}

	httpReq.Header.Set(headerAPIKey, credential.Secret)
	httpReq.Header.Set(headerAccept, accept)
	httpReq.Header.Set(headerUserAgent, c.userAgent)

	if body != nil {
		httpReq.Header.Set(headerContentType, contentTypeJSON)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()

		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

		return nil, classifyResponse(resp.StatusCode, errorBody)
	}

	return resp, nil
}

// transportError tags a failure that happened before a status was received.
// A cancelled or expired context is reported as a server-side failure so the
// caller treats it like any other interrupted attempt.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return core.NewProviderError(core.KindServerError, 0, "", "", fmt.Errorf(errFmtRequestCancelled, ctxErr))
	}

	return core.NewProviderError(core.KindTransport, 0, "", "", err)
}

// IsAudio reports whether a success payload is audio rather than a structured
// document. Known container signatures win; otherwise the content type decides.
func IsAudio(contentType string, payload []byte) bool {
	switch {
	case bytes.HasPrefix(payload, []byte("ID3")):
		return true
	case bytes.HasPrefix(payload, []byte("RIFF")):
		return true
	case len(payload) >= 2 && payload[0] == 0xFF && payload[1]&0xE0 == 0xE0:
		return true
	}

	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))

	return strings.HasPrefix(mediaType, contentTypeAudio) || mediaType == contentTypeBinary
}
