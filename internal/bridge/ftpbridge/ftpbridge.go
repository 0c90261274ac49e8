// Package ftpbridge implements the ftp capability over pooled control
// connections. Each session handle owns one logged-in FTP connection;
// removing the handle sends QUIT.
package ftpbridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/internal/bridge"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/registry"
	"github.com/scriptbridge/bridged/internal/svcfields"
)

// Module is the capability name clients address.
const Module = "ftp"

// DefaultTimeout bounds dial and control-channel operations.
const DefaultTimeout = 120 * time.Second

// Bridge exposes the ftp functions over a shared handle pool.
type Bridge struct {
	pool   *pool.Pool
	logger pslog.Logger
}

// New constructs the ftp capability.
func New(p *pool.Pool, logger pslog.Logger) *Bridge {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Bridge{pool: p, logger: svcfields.WithSubsystem(logger, "ftp")}
}

// Register wires the capability functions into the whitelist.
func (b *Bridge) Register(r *registry.Registry) {
	r.Register(Module, "new", b.dial)
	r.Register(Module, "login", b.login)
	r.Register(Module, "cwd", b.cwd)
	r.Register(Module, "pwd", b.pwd)
	r.Register(Module, "list", b.list)
	r.Register(Module, "binary", b.binary)
	r.Register(Module, "ascii", b.ascii)
	r.Register(Module, "get", b.get)
	r.Register(Module, "put", b.put)
	r.Register(Module, "delete", b.remove)
	r.Register(Module, "rename", b.rename)
	r.Register(Module, "quit", b.quit)
}

type sessionState struct {
	conn *ftp.ServerConn
	host string
}

// Close implements io.Closer so reaping a stale session sends QUIT.
func (s *sessionState) Close() error {
	return s.conn.Quit()
}

func (b *Bridge) session(params *dyn.Map) (*sessionState, string, error) {
	id, err := bridge.Str(params, "connection_id")
	if err != nil {
		return nil, "", err
	}
	h, err := b.pool.Get(id, pool.KindFTPSession)
	if err != nil {
		return nil, "", err
	}
	return h.State.(*sessionState), id, nil
}

func (b *Bridge) dial(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	host, err := bridge.Str(params, "host")
	if err != nil {
		return nil, err
	}
	timeoutSecs, err := bridge.FloatDefault(params, "timeout", DefaultTimeout.Seconds())
	if err != nil {
		return nil, err
	}
	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":21"
	}
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(time.Duration(timeoutSecs*float64(time.Second))))
	if err != nil {
		return nil, fmt.Errorf("ftp connect %s: %w", addr, err)
	}
	id := b.pool.Create(pool.KindFTPSession, &sessionState{conn: conn, host: host}, "")
	b.logger.Info("ftp session opened", "connection_id", id, "host", addr)
	return map[string]any{"connection_id": id, "host": host}, nil
}

func (b *Bridge) login(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	s, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	user, err := bridge.Str(params, "user")
	if err != nil {
		return nil, err
	}
	password, err := bridge.StrDefault(params, "password", "")
	if err != nil {
		return nil, err
	}
	if err := s.conn.Login(user, password); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	b.pool.Touch(id)
	return map[string]any{}, nil
}

func (b *Bridge) cwd(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	s, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	directory, err := bridge.Str(params, "directory")
	if err != nil {
		return nil, err
	}
	if err := s.conn.ChangeDir(directory); err != nil {
		return nil, fmt.Errorf("ftp cwd: %w", err)
	}
	b.pool.Touch(id)
	return map[string]any{}, nil
}

func (b *Bridge) pwd(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	s, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	dir, err := s.conn.CurrentDir()
	if err != nil {
		return nil, fmt.Errorf("ftp pwd: %w", err)
	}
	b.pool.Touch(id)
	return map[string]any{"directory": dir}, nil
}

func (b *Bridge) list(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	s, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	path, err := bridge.StrDefault(params, "path", "")
	if err != nil {
		return nil, err
	}
	entries, err := s.conn.List(path)
	if err != nil {
		return nil, fmt.Errorf("ftp list: %w", err)
	}
	files := make([]any, 0, len(entries))
	listing := make([]any, 0, len(entries))
	for _, e := range entries {
		files = append(files, e.Name)
		listing = append(listing, map[string]any{
			"name": e.Name,
			"type": entryType(e.Type),
			"size": int64(e.Size),
		})
	}
	b.pool.Touch(id)
	return map[string]any{"files": files, "listing": listing}, nil
}

func (b *Bridge) binary(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	return b.setType(params, ftp.TransferTypeBinary)
}

func (b *Bridge) ascii(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	return b.setType(params, ftp.TransferTypeASCII)
}

func (b *Bridge) setType(params *dyn.Map, t ftp.TransferType) (map[string]any, error) {
	s, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	if err := s.conn.Type(t); err != nil {
		return nil, fmt.Errorf("ftp type: %w", err)
	}
	b.pool.Touch(id)
	return map[string]any{}, nil
}

// get downloads remote_file. With local_file the body is written to disk
// and only the byte count returned; without it the body comes back inline.
func (b *Bridge) get(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	s, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	remote, err := bridge.Str(params, "remote_file")
	if err != nil {
		return nil, err
	}
	local, err := bridge.StrDefault(params, "local_file", "")
	if err != nil {
		return nil, err
	}
	resp, err := s.conn.Retr(remote)
	if err != nil {
		return nil, fmt.Errorf("ftp get %s: %w", remote, err)
	}
	defer resp.Close()

	if local != "" {
		f, err := os.Create(local)
		if err != nil {
			return nil, fmt.Errorf("ftp get: %w", err)
		}
		n, err := io.Copy(f, resp)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("ftp get: %w", err)
		}
		b.pool.Touch(id)
		return map[string]any{"local_file": local, "bytes": n}, nil
	}
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("ftp get: %w", err)
	}
	b.pool.Touch(id)
	return map[string]any{"content": string(data), "bytes": int64(len(data))}, nil
}

// put uploads either inline content or a local file to remote_file.
func (b *Bridge) put(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	s, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	remote, err := bridge.StrDefault(params, "remote_file", "")
	if err != nil {
		return nil, err
	}
	local, err := bridge.StrDefault(params, "local_file", "")
	if err != nil {
		return nil, err
	}
	content, err := bridge.StrDefault(params, "content", "")
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	var n int64
	switch {
	case local != "":
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("ftp put: %w", err)
		}
		if remote == "" {
			parts := strings.Split(strings.ReplaceAll(local, "\\", "/"), "/")
			remote = parts[len(parts)-1]
		}
		reader = bytes.NewReader(data)
		n = int64(len(data))
	case remote != "":
		reader = strings.NewReader(content)
		n = int64(len(content))
	default:
		return nil, fmt.Errorf("%w: either local_file or remote_file is required", bridge.ErrBadParam)
	}
	if err := s.conn.Stor(remote, reader); err != nil {
		return nil, fmt.Errorf("ftp put %s: %w", remote, err)
	}
	b.pool.Touch(id)
	return map[string]any{"remote_file": remote, "bytes": n}, nil
}

func (b *Bridge) remove(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	s, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	remote, err := bridge.Str(params, "remote_file")
	if err != nil {
		return nil, err
	}
	if err := s.conn.Delete(remote); err != nil {
		return nil, fmt.Errorf("ftp delete %s: %w", remote, err)
	}
	b.pool.Touch(id)
	return map[string]any{}, nil
}

func (b *Bridge) rename(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	s, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	oldName, err := bridge.Str(params, "old_name")
	if err != nil {
		return nil, err
	}
	newName, err := bridge.Str(params, "new_name")
	if err != nil {
		return nil, err
	}
	if err := s.conn.Rename(oldName, newName); err != nil {
		return nil, fmt.Errorf("ftp rename: %w", err)
	}
	b.pool.Touch(id)
	return map[string]any{}, nil
}

func (b *Bridge) quit(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	_, id, err := b.session(params)
	if err != nil {
		return nil, err
	}
	// Remove sends QUIT through the state's Close.
	if err := b.pool.Remove(id); err != nil {
		return nil, err
	}
	b.logger.Info("ftp session closed", "connection_id", id)
	return map[string]any{}, nil
}

func entryType(t ftp.EntryType) string {
	switch t {
	case ftp.EntryTypeFolder:
		return "dir"
	case ftp.EntryTypeLink:
		return "link"
	default:
		return "file"
	}
}
