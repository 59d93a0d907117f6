// Package provider is the HTTP client for the external payment
// provider's checkout API. It creates hosted checkout sessions and
// stamps them with the reconciliation metadata the webhook relies on.
package provider

import (
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
)

const (
	defaultBaseURL = "https://api.stripe.com"
	defaultTimeout = 15 * time.Second
	sessionsPath   = "/v1/checkout/sessions"

	// responses are small JSON documents
	maxResponseBytes = 1 << 20
)

var (
	ErrInvalidConfig  = errors.New("invalid provider config")
	ErrInvalidRequest = errors.New("invalid session request")
	ErrProvider       = errors.New("provider request failed")
)

// Config holds the provider API credentials and endpoint.
type Config struct {
	SecretKey string
	BaseURL   string
	Timeout   time.Duration
}

// Client talks to the provider's checkout API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// CreateSessionRequest describes one hosted checkout session.
type CreateSessionRequest struct {
	PriceID    string
	Quantity   int64
	Locale     string
	SuccessURL string
	CancelURL  string
	CustomerID string
	Metadata   map[string]string
}

// Session is the provider's created checkout session.
type Session struct {
	SessionID  string `json:"id"`
	URL        string `json:"url"`
	CustomerID string `json:"customer"`
}

// NewClient validates the configuration and builds a Client.
func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.SecretKey) == "" {
		return nil, fmt.Errorf("%w: secret key is empty", ErrInvalidConfig)
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidConfig, err)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// CreateCheckoutSession creates a hosted checkout session. The provider
// expects a form-encoded body and authenticates with the secret key.
func (client *Client) CreateCheckoutSession(ctx context.Context, request CreateSessionRequest) (Session, error) {
	if strings.TrimSpace(request.PriceID) == "" {
		return Session{}, fmt.Errorf("%w: price id is empty", ErrInvalidRequest)
	}
	if request.Quantity <= 0 {
		return Session{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	if request.SuccessURL == "" || request.CancelURL == "" {
		return Session{}, fmt.Errorf("%w: success and cancel urls are required", ErrInvalidRequest)
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", request.SuccessURL)
	form.Set("cancel_url", request.CancelURL)
	form.Set("line_items[0][price]", request.PriceID)
	form.Set("line_items[0][quantity]", strconv.FormatInt(request.Quantity, 10))
	if request.Locale != "" {
		form.Set("locale", request.Locale)
	}
	if request.CustomerID != "" {
		form.Set("customer", request.CustomerID)
	}
	for key, value := range request.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.config.BaseURL+sessionsPath, strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+client.config.SecretKey)
	httpRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return Session{}, fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return Session{}, fmt.Errorf("%w: %s", ErrProvider, providerErrorMessage(response.StatusCode, body))
	}

	var session Session
	if err := json.Unmarshal(body, &session); err != nil {
		return Session{}, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if session.SessionID == "" || session.URL == "" {
		return Session{}, fmt.Errorf("%w: response missing session id or url", ErrProvider)
	}
	return session, nil
}

func providerErrorMessage(statusCode int, body []byte) string {
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return fmt.Sprintf("status %d: %s (%s)", statusCode, payload.Error.Message, payload.Error.Type)
	}
	return fmt.Sprintf("status %d", statusCode)
}
