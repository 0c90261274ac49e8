package bridged

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/api"
)

// TestServer wraps a running bridge daemon with convenient handles for
// tests. Call speaks the one-shot socket protocol the same way a real
// client does.
type TestServer struct {
	Server     *Server
	SocketPath string
	Config     Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a logger that writes through testing.TB.
func NewTestingLogger(t testing.TB) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(writer).With("app", "testserver")
}

// NewTestServer starts a daemon on a socket under t.TempDir and registers
// its shutdown as a test cleanup. A zero cfg gets a fresh socket path.
func NewTestServer(t testing.TB, cfg Config, opts ...Option) *TestServer {
	t.Helper()
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(t.TempDir(), "bridged.sock")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		opts = append(opts, WithLogger(NewTestingLogger(t)))
	}

	// The startup context doubles as the daemon's lifetime in StartServer,
	// so a helper-scoped timeout here would shut the server down as soon as
	// this function returns. Shutdown is wired through t.Cleanup instead.
	srv, stop, err := StartServer(nil, cfg, opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	ts := &TestServer{
		Server:     srv,
		SocketPath: srv.SocketPath(),
		Config:     cfg,
		stop:       stop,
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(stopCtx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Call performs one capability call over the socket: connect, write the
// request, close the write half, read the response.
func (ts *TestServer) Call(ctx context.Context, module, function string, params map[string]any) (api.Response, error) {
	req := map[string]any{
		"module":    module,
		"function":  function,
		"timestamp": float64(time.Now().Unix()),
	}
	if params != nil {
		req["params"] = params
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return api.Response{}, fmt.Errorf("marshal request: %w", err)
	}
	return ts.CallRaw(ctx, payload)
}

// CallRaw sends an already-encoded payload, for tests that exercise the
// framing and validation layers with malformed input.
func (ts *TestServer) CallRaw(ctx context.Context, payload []byte) (api.Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", ts.SocketPath)
	if err != nil {
		return api.Response{}, fmt.Errorf("dial %s: %w", ts.SocketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return api.Response{}, fmt.Errorf("write request: %w", err)
	}
	if err := conn.(*net.UnixConn).CloseWrite(); err != nil {
		return api.Response{}, fmt.Errorf("close write half: %w", err)
	}
	raw, err := io.ReadAll(conn)
	if err != nil {
		return api.Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp api.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return api.Response{}, fmt.Errorf("decode response %q: %w", raw, err)
	}
	return resp, nil
}
