package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryRateLimit      Category = "rate-limit"
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryUpstream       Category = "upstream-server"
	CategoryUnknown        Category = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Classification struct {
	Category       Category
	Severity       Severity
	Retryable      bool
	SuggestedDelay time.Duration
}

// DefaultRateLimitDelay is the floor used for 429s without a Retry-After hint.
const DefaultRateLimitDelay = time.Second

// Classify categorizes err using the default rate-limit floor.
func Classify(err error) Classification {
	return ClassifyWithFloor(err, DefaultRateLimitDelay)
}

// ClassifyWithFloor is Classify with an explicit rate-limit floor.
func ClassifyWithFloor(err error, rateLimitFloor time.Duration) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Severity: SeverityLow}
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return Classification{Category: CategoryValidation, Severity: SeverityLow}
	}

	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se, rateLimitFloor)
	}

	if isNetworkError(err) {
		return Classification{Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true}
	}

	return Classification{Category: CategoryUnknown, Severity: SeverityMedium}
}

func classifyStatus(se *StatusError, floor time.Duration) Classification {
	switch {
	case se.Code == http.StatusTooManyRequests:
		delay := se.RetryAfter
		if delay <= 0 {
			delay = floor
		}
		return Classification{Category: CategoryRateLimit, Severity: SeverityMedium, Retryable: true, SuggestedDelay: delay}
	case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
		return Classification{Category: CategoryAuthentication, Severity: SeverityCritical}
	case se.Code == http.StatusRequestTimeout:
		return Classification{Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true}
	case se.Code >= 500:
		return Classification{Category: CategoryUpstream, Severity: SeverityHigh, Retryable: true}
	case se.Code >= 400:
		return Classification{Category: CategoryValidation, Severity: SeverityLow}
	}
	if se.Err != nil && isNetworkError(se.Err) {
		return Classification{Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true}
	}
	return Classification{Category: CategoryUnknown, Severity: SeverityMedium}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}
