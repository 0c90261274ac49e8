// Package httpbridge implements the http capability: one-shot outbound
// HTTP requests on behalf of legacy clients. The capability is stateless;
// nothing it does touches the handle pool.
package httpbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/internal/bridge"
	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/registry"
	"github.com/scriptbridge/bridged/internal/svcfields"
)

// Module is the capability name clients address.
const Module = "http"

// DefaultTimeout matches the legacy user-agent default.
const DefaultTimeout = 180 * time.Second

// MaxResponseBytes caps how much of a response body is read back.
const MaxResponseBytes = 32 << 20

// Bridge exposes the http functions.
type Bridge struct {
	clk    clock.Clock
	logger pslog.Logger
}

// New constructs the http capability.
func New(clk clock.Clock, logger pslog.Logger) *Bridge {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Bridge{clk: clk, logger: svcfields.WithSubsystem(logger, "http")}
}

// Register wires the capability functions into the whitelist.
func (b *Bridge) Register(r *registry.Registry) {
	r.Register(Module, "request", b.request)
	r.Register(Module, "ping", b.ping)
}

// request performs one HTTP exchange. An HTTP error status is a normal
// outcome reported in the result; only transport failures surface as
// handler errors.
func (b *Bridge) request(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	method, err := bridge.StrDefault(params, "method", http.MethodGet)
	if err != nil {
		return nil, err
	}
	url, err := bridge.Str(params, "url")
	if err != nil {
		return nil, err
	}
	content, err := bridge.StrDefault(params, "content", "")
	if err != nil {
		return nil, err
	}
	formContent, err := bridge.StrDefault(params, "form_encoded_content", "")
	if err != nil {
		return nil, err
	}
	timeoutSecs, err := bridge.FloatDefault(params, "timeout", DefaultTimeout.Seconds())
	if err != nil {
		return nil, err
	}
	verifySSL, err := bridge.BoolDefault(params, "verify_ssl", true)
	if err != nil {
		return nil, err
	}
	headers, err := bridge.MapDefault(params, "headers")
	if err != nil {
		return nil, err
	}

	body := content
	if formContent != "" {
		body = formContent
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for _, key := range headers.Keys() {
		if v, ok := headers.String(key); ok {
			req.Header.Set(key, v)
		}
	}
	if formContent != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	client := &http.Client{Timeout: time.Duration(timeoutSecs * float64(time.Second))}
	if !verifySSL {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	started := b.clk.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for name := range resp.Header {
		respHeaders[name] = resp.Header.Get(name)
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	b.logger.Debug("http exchange",
		"method", req.Method,
		"url", url,
		"status", resp.StatusCode,
		"bytes", len(raw))
	return map[string]any{
		"success":     ok,
		"status_code": resp.StatusCode,
		"reason":      reason,
		"status_line": fmt.Sprintf("%d %s", resp.StatusCode, reason),
		"content":     string(raw),
		"headers":     respHeaders,
		"url":         resp.Request.URL.String(),
		"elapsed":     b.clk.Since(started).Seconds(),
	}, nil
}

func (b *Bridge) ping(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	return map[string]any{"message": "pong", "module": Module}, nil
}
