// Package gateway calls the external song generation service
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/sethvargo/go-retry"
)

const (
	defaultAttemptTimeout = 5 * time.Minute
	defaultRetryBaseDelay = 500 * time.Millisecond
	maxErrorBodyBytes     = 1024
)

// Options configures the gateway client
type Options struct {
	DescriptionURL     string
	LyricsURL          string
	DescribedLyricsURL string
	ModalKey           string
	ModalSecret        string
	AttemptTimeout     time.Duration
	MaxRetries         int
	RetryBaseDelay     time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// Client performs generation calls. It keeps no state between calls.
type Client struct {
	urls           map[Endpoint]string
	modalKey       string
	modalSecret    string
	attemptTimeout time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

type generateResponse struct {
	S3Key           string   `json:"s3_key"`
	CoverImageS3Key string   `json:"cover_image_s3_key"`
	Categories      []string `json:"categories"`
}

// NewClient creates a gateway client
func NewClient(opts Options) (*Client, error) {
	urls := map[Endpoint]string{
		EndpointDescription:     strings.TrimSpace(opts.DescriptionURL),
		EndpointLyrics:          strings.TrimSpace(opts.LyricsURL),
		EndpointDescribedLyrics: strings.TrimSpace(opts.DescribedLyricsURL),
	}
	for endpoint, url := range urls {
		if url == "" {
			return nil, fmt.Errorf("gateway: url for endpoint %s is required", endpoint)
		}
	}

	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		urls:           urls,
		modalKey:       opts.ModalKey,
		modalSecret:    opts.ModalSecret,
		attemptTimeout: attemptTimeout,
		maxRetries:     maxRetries,
		retryBaseDelay: baseDelay,
		httpClient:     httpClient,
		logger:         logger,
	}, nil
}

// Generate posts req to endpoint. Transient transport failures are retried
// with exponential backoff up to the configured retry count; a rejected
// response is returned at once.
func (c *Client) Generate(ctx context.Context, endpoint Endpoint, req GenerateRequest) (*domain.GenerationResult, error) {
	url, ok := c.urls[endpoint]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown endpoint %q", endpoint)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.NewExponential(c.retryBaseDelay))

	var result *domain.GenerationResult
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := c.post(ctx, endpoint, url, body)
		if err != nil {
			if IsTransient(err) && ctx.Err() == nil {
				c.logger.Warn("Gateway attempt failed, retrying",
					slog.String("endpoint", string(endpoint)),
					slog.Int("attempt", attempt),
					slog.Any("error", err),
				)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !IsRejected(err) {
			return nil, fmt.Errorf("gateway %s: %w", endpoint, ctxErr)
		}
		return nil, err
	}

	c.logger.Info("Gateway generation succeeded",
		slog.String("endpoint", string(endpoint)),
		slog.Int("attempts", attempt),
		slog.String("audio_key", result.AudioKey),
	)
	return result, nil
}

// post performs a single attempt bounded by the attempt timeout
func (c *Client) post(ctx context.Context, endpoint Endpoint, url string, body []byte) (*domain.GenerationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Modal-Key", c.modalKey)
	httpReq.Header.Set("Modal-Secret", c.modalSecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTransportTransient(err) {
			return nil, &TransientError{Endpoint: endpoint, Err: err}
		}
		return nil, fmt.Errorf("gateway %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &RejectedError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Reason:     strings.TrimSpace(string(snippet)),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTransportTransient(err) {
			return nil, &TransientError{Endpoint: endpoint, Err: err}
		}
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &RejectedError{Endpoint: endpoint, Reason: "undecodable response body: " + err.Error()}
	}
	if strings.TrimSpace(decoded.S3Key) == "" {
		return nil, &RejectedError{Endpoint: endpoint, Reason: "response is missing s3_key"}
	}

	return &domain.GenerationResult{
		AudioKey:     decoded.S3Key,
		ThumbnailKey: decoded.CoverImageS3Key,
		Categories:   domain.NormalizeCategories(decoded.Categories),
	}, nil
}
