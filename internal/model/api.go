package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for user-supplied text.
const (
	MaxMessageLen = 32 * 1024 // 32 KB
	MaxTitleLen   = 200
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidatePublicURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidatePublicURL ensures a tool target is a publicly-routable http/https URL.
// Browser and download executors call it before touching the network.
func ValidatePublicURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("url must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("url must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("url must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrCodeUnknownTool   = "UNKNOWN_TOOL"
)

// CreateConversationRequest is the request body for POST /v1/conversations.
type CreateConversationRequest struct {
	Title string `json:"title" validate:"max=200"`
}

// UpdateConversationRequest is the request body for PATCH /v1/conversations/{id}.
type UpdateConversationRequest struct {
	Title    *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Archived *bool   `json:"archived,omitempty"`
}

// PostMessageRequest is the request body for POST /v1/conversations/{id}/messages.
type PostMessageRequest struct {
	Text        string      `json:"text" validate:"max=32768"`
	Attachments []uuid.UUID `json:"attachments,omitempty" validate:"max=10"`
}

// PostMessageResponse reports the run started (or affected) by a message.
type PostMessageResponse struct {
	Message *Message `json:"message"`
	Run     *Run     `json:"run,omitempty"`
}

// RunDetail is the response for GET /v1/runs/{run_id}.
type RunDetail struct {
	Run   Run    `json:"run"`
	Steps []Step `json:"steps"`
}

// UsageResponse is the response for GET /v1/usage.
type UsageResponse struct {
	Usage      UsageCounter `json:"usage"`
	Tier       Tier         `json:"tier"`
	TaskLimit  int64        `json:"task_limit"`
	TokenLimit int64        `json:"token_limit"`
}

// AuthTokenResponse is the response for a minted token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Store       string `json:"store"`
	Subscribers int    `json:"subscribers"`
	InFlight    int    `json:"in_flight"`
	Uptime      int64  `json:"uptime_seconds"`
}

// DefaultConversationTitle is used when a conversation is created without one.
const DefaultConversationTitle = "New chat"
