package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// ReasonUnconfirmed replaces the error text of an ambiguous failure of a
// non-idempotent operation.
const ReasonUnconfirmed = "outcome unknown after unconfirmed write; verify manually"

// JitterPolicy selects how backoff delays are randomized
type JitterPolicy string

const (
	JitterNone  JitterPolicy = "none"
	JitterFull  JitterPolicy = "full"
	JitterEqual JitterPolicy = "equal"
)

// ParseJitter validates a jitter policy name
func ParseJitter(s string) (JitterPolicy, error) {
	switch p := JitterPolicy(strings.ToLower(s)); p {
	case JitterNone, JitterFull, JitterEqual:
		return p, nil
	case "":
		return JitterFull, nil
	}
	return "", fmt.Errorf("unknown jitter policy %q", s)
}

// Decision is the classifier's verdict on a failed attempt
type Decision struct {
	// Retry is true when another attempt should be made after Delay.
	Retry bool
	Delay time.Duration
	// Retryable reports the error class, independent of the attempt budget.
	Retryable bool
	// Ambiguous means the remote side may have applied the request.
	Ambiguous bool
	// Downgraded means a retryable error was made terminal because the
	// operation is not idempotent.
	Downgraded bool
	Reason     string
}

// Classifier decides whether failed attempts are retried and how long to
// wait in between.
type Classifier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      JitterPolicy
	rand        func() float64
}

// NewClassifier builds a classifier from the retry part of cfg
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		jitter:      cfg.Jitter,
		rand:        rand.Float64,
	}
}

// Classify inspects the error of attempt (1-based)
func (c *Classifier) Classify(err error, attempt int, idempotent bool) Decision {
	class := classify(err)
	d := Decision{Retryable: class.retryable, Ambiguous: class.ambiguous, Reason: class.reason}
	if !class.retryable {
		return d
	}
	if class.ambiguous && !idempotent {
		d.Retryable = false
		d.Downgraded = true
		d.Reason = ReasonUnconfirmed
		return d
	}
	if attempt >= c.maxAttempts {
		d.Reason = fmt.Sprintf("%s, giving up after %d attempts", class.reason, attempt)
		return d
	}

	d.Retry = true
	d.Delay = c.Backoff(attempt)
	if hint := retryAfter(err); hint > d.Delay {
		d.Delay = hint
		if c.maxDelay > 0 && d.Delay > c.maxDelay {
			d.Delay = c.maxDelay
		}
	}
	return d
}

// Backoff returns the delay before attempt+1: base*2^(attempt-1), capped
// at the max delay, then jittered.
func (c *Classifier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.maxDelay > 0 && d >= c.maxDelay {
			d = c.maxDelay
			break
		}
		if d <= 0 {
			d = c.maxDelay
			break
		}
	}
	if c.maxDelay > 0 && d > c.maxDelay {
		d = c.maxDelay
	}

	switch c.jitter {
	case JitterFull:
		return time.Duration(c.rand() * float64(d))
	case JitterEqual:
		half := d / 2
		return half + time.Duration(c.rand()*float64(d-half))
	}
	return d
}

type errorClass struct {
	retryable bool
	ambiguous bool
	reason    string
}

type httpStatuser interface {
	HTTPStatus() int
}

type retryAfterer interface {
	RetryAfter() time.Duration
}

func retryAfter(err error) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

func classify(err error) errorClass {
	if err == nil {
		return errorClass{reason: "no error"}
	}

	var marked *markedError
	if errors.As(err, &marked) {
		switch marked.kind {
		case markPermanent:
			return errorClass{reason: "permanent error"}
		case markUnconfirmed:
			return errorClass{retryable: true, ambiguous: true, reason: "unconfirmed write"}
		case markTransient:
			return errorClass{retryable: true, reason: "transient error"}
		}
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return errorClass{reason: "validation error"}
	}

	var status httpStatuser
	if errors.As(err, &status) {
		return classifyStatus(status.HTTPStatus())
	}

	if errors.Is(err, context.Canceled) {
		return errorClass{reason: "cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errorClass{retryable: true, ambiguous: true, reason: "timeout"}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return errorClass{retryable: true, reason: "connection refused"}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return errorClass{retryable: true, ambiguous: true, reason: "connection reset"}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return errorClass{retryable: true, ambiguous: true, reason: "unexpected end of response"}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// the request never left the host
		return errorClass{retryable: true, reason: "dns lookup failed"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errorClass{retryable: true, ambiguous: true, reason: "timeout"}
	}

	return classifyMessage(err)
}

func classifyStatus(code int) errorClass {
	reason := fmt.Sprintf("HTTP %d", code)
	switch {
	case code == 429:
		return errorClass{retryable: true, reason: "rate limited"}
	case code == 408:
		return errorClass{retryable: true, reason: reason}
	case code == 503:
		return errorClass{retryable: true, reason: reason}
	case code >= 500:
		return errorClass{retryable: true, ambiguous: true, reason: reason}
	}
	return errorClass{reason: reason}
}

// classifyMessage is the fallback for untyped errors. Unknown transport
// failures are treated as ambiguous.
func classifyMessage(err error) errorClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit"):
		return errorClass{retryable: true, reason: "rate limited"}
	case strings.Contains(msg, "connection refused"):
		return errorClass{retryable: true, reason: "connection refused"}
	case strings.Contains(msg, "service unavailable"):
		return errorClass{retryable: true, reason: "service unavailable"}
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "temporary"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "gateway timeout"):
		return errorClass{retryable: true, ambiguous: true, reason: "transport error"}
	}
	return errorClass{reason: "unclassified error"}
}
