// Package aps talks to the Autodesk Platform Services REST APIs used by
// bulk operations: OSS signed-S3 uploads, ACC account administration and
// folder permissions.
package aps

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

	"go.uber.org/zap"

	"apsbulk/internal/auth"
	"apsbulk/internal/bulk"
)

// DefaultBaseURL is the production APS endpoint
const DefaultBaseURL = "https://developer.api.autodesk.com"

// Config contains client configuration
type Config struct {
	BaseURL         string
	Token           string
	MaxConnsPerHost int
	RequestTimeout  time.Duration
	UserAgent       string
}

// Client is an APS REST client. It is safe for concurrent use.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	// signed S3 URLs carry their own credentials
	upload *http.Client
	logger *zap.Logger
}

// New creates a client. The bearer token is attached to every APS call
// but never to signed upload URLs.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxConnsPerHost > 0 {
		transport.MaxConnsPerHost = cfg.MaxConnsPerHost
		transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = "apsbulk"
	}

	return &Client{
		baseURL:   base,
		userAgent: ua,
		http: &http.Client{
			Transport: &auth.Transport{Token: cfg.Token, Base: transport},
			Timeout:   cfg.RequestTimeout,
		},
		upload: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		logger: logger,
	}, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends a JSON request and decodes a JSON response into out when it is
// non-nil. Non-2xx responses become *bulk.StatusError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("APS request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

const maxErrorBody = 4 << 10

// statusError builds a StatusError from a failed response, keeping the
// most useful message the body offers and any Retry-After hint.
func statusError(resp *http.Response) *bulk.StatusError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &bulk.StatusError{
		Code:    resp.StatusCode,
		Message: errorMessage(data),
		Retry:   retryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

func errorMessage(data []byte) string {
	var doc struct {
		Detail           string `json:"detail"`
		DeveloperMessage string `json:"developerMessage"`
		Message          string `json:"message"`
		ErrorMessage     string `json:"errorMessage"`
		Reason           string `json:"reason"`
		Errors           []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if json.Unmarshal(data, &doc) == nil {
		for _, m := range []string{doc.Detail, doc.DeveloperMessage, doc.Message, doc.ErrorMessage, doc.Reason} {
			if m != "" {
				return m
			}
		}
		if len(doc.Errors) > 0 && doc.Errors[0].Detail != "" {
			return doc.Errors[0].Detail
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}

// retryAfter parses delta-seconds or an HTTP date
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// IsNotFound reports whether err is an APS 404
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is an APS 409
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, code int) bool {
	var se *bulk.StatusError
	return errors.As(err, &se) && se.Code == code
}

// NormalizeProjectID strips the Data Management "b." prefix
func NormalizeProjectID(id string) string {
	return strings.TrimPrefix(id, "b.")
}

// dmProjectID adds the "b." prefix Data Management endpoints expect
func dmProjectID(id string) string {
	return "b." + NormalizeProjectID(id)
}
