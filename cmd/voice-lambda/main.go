// Command voice-lambda fronts the agent's session webhooks behind API Gateway.
// It forwards only the per-call session routes and leaves the audio stream to
// the runtime's direct connection.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

const (
	sessionsPrefix = "/webhooks/voice/sessions"
	// end blocks until the goodbye has played, so the default outlasts the
	// agent's playout timeout.
	defaultUpstreamTimeout = 28 * time.Second
	maxResponseBytes       = 1 << 20
)

// sessionActions maps the per-call action segment to the method it accepts.
var sessionActions = map[string]string{
	"turns":        http.MethodPost,
	"tools":        http.MethodPost,
	"playout":      http.MethodPost,
	"end":          http.MethodPost,
	"metrics":      http.MethodPost,
	"instructions": http.MethodGet,
}

// forwardedHeaders go upstream untouched. Authorization carries the runtime
// JWT whose body digest the agent verifies.
var forwardedHeaders = []string{"Content-Type", "Authorization", "X-Request-Id"}

type proxy struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	logger  *logging.Logger
}

func newProxy(getenv func(string) string, logger *logging.Logger) (*proxy, error) {
	raw := strings.TrimSpace(getenv("UPSTREAM_BASE_URL"))
	if raw == "" {
		return nil, errors.New("UPSTREAM_BASE_URL is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid UPSTREAM_BASE_URL %q", raw)
	}

	timeout := defaultUpstreamTimeout
	if v := strings.TrimSpace(getenv("UPSTREAM_TIMEOUT")); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil || timeout <= 0 {
			return nil, fmt.Errorf("invalid UPSTREAM_TIMEOUT %q", v)
		}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &proxy{
		base:    base,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}, nil
}

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"))
	p, err := newProxy(os.Getenv, logger)
	if err != nil {
		logger.Error("voice-lambda misconfigured", "error", err)
		os.Exit(1)
	}
	lambda.Start(p.serve)
}

// sessionRoute splits a session path into call ID and action. Creating a
// session is the bare prefix with an empty call ID.
func sessionRoute(method, path string) (callID, action string, ok bool) {
	rest, found := strings.CutPrefix(path, sessionsPrefix)
	if !found || (rest != "" && rest[0] != '/') {
		return "", "", false
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", method == http.MethodPost
	}
	callID, action, found = strings.Cut(rest, "/")
	if !found || callID == "" || strings.Contains(action, "/") {
		return "", "", false
	}
	want, known := sessionActions[action]
	if !known || want != method {
		return "", "", false
	}
	return callID, action, true
}

func (p *proxy) serve(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := strings.ToUpper(strings.TrimSpace(evt.RequestContext.HTTP.Method))
	path := strings.TrimSpace(evt.RawPath)
	if path == "" {
		path = strings.TrimSpace(evt.RequestContext.HTTP.Path)
	}

	switch {
	case path == "/health" || path == "/_health":
		return reply(http.StatusOK, "ok"), nil
	case method != http.MethodPost && method != http.MethodGet:
		return reply(http.StatusMethodNotAllowed, ""), nil
	}
	callID, action, ok := sessionRoute(method, path)
	if !ok {
		return reply(http.StatusNotFound, ""), nil
	}

	body, err := eventBody(evt)
	if err != nil {
		return reply(http.StatusBadRequest, "invalid body"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := p.upstreamRequest(ctx, method, path, evt, body)
	if err != nil {
		p.logger.Error("build upstream request", "error", err, "call_id", callID)
		return reply(http.StatusInternalServerError, ""), nil
	}

	started := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		p.logger.Warn("upstream call failed", "call_id", callID, "action", action, "timed_out", timedOut, "error", err)
		if timedOut {
			return reply(http.StatusGatewayTimeout, "upstream timeout"), nil
		}
		return reply(http.StatusBadGateway, "upstream error"), nil
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return reply(http.StatusBadGateway, "upstream error"), nil
	}
	p.logger.Debug("proxied session call", "call_id", callID, "action", action, "status", resp.StatusCode, "elapsed", time.Since(started))

	result := reply(resp.StatusCode, string(out))
	for _, h := range []string{"Content-Type", "Retry-After"} {
		if v := resp.Header.Get(h); v != "" {
			result.Headers[strings.ToLower(h)] = v
		}
	}
	return result, nil
}

func (p *proxy) upstreamRequest(ctx context.Context, method, path string, evt events.APIGatewayV2HTTPRequest, body []byte) (*http.Request, error) {
	target := *p.base
	target.Path = p.base.Path + path
	target.RawQuery = strings.TrimSpace(evt.RawQueryString)

	var rdr io.Reader
	if method == http.MethodPost {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), rdr)
	if err != nil {
		return nil, err
	}
	for _, h := range forwardedHeaders {
		if v := lookupHeader(evt.Headers, h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if req.Header.Get("X-Request-Id") == "" && evt.RequestContext.RequestID != "" {
		req.Header.Set("X-Request-Id", evt.RequestContext.RequestID)
	}
	return req, nil
}

func reply(status int, body string) events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{StatusCode: status, Body: body, Headers: map[string]string{}}
}

func eventBody(evt events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if evt.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(evt.Body)
	}
	return []byte(evt.Body), nil
}

// lookupHeader matches API Gateway's lowercased header keys.
func lookupHeader(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
