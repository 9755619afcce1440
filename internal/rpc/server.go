package rpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrServerClosed is returned by a second call to Shutdown. Serve
	// returns nil once Shutdown has closed the listener.
	ErrServerClosed = errors.New("rpc: server closed")

	// ErrFrameTooLarge guards against a misbehaving or malicious client
	// claiming an implausible body length.
	ErrFrameTooLarge = errors.New("rpc: frame exceeds maximum size")
)

// maxFrameBytes bounds a single request body; the control plane only ever
// carries small structured payloads, never file contents.
const maxFrameBytes = 1 << 20 // 1 MiB

const defaultRequestTimeout = 10 * time.Second

// SocketPath returns the per-project socket path spec.md §6.2 describes:
// socketDir joined with an 8-byte hex hash of projectPath, so two
// projects never collide and the path never leaks the project's real
// location.
func SocketPath(socketDir, projectPath string) string {
	return fmt.Sprintf("%s/%016x.sock", socketDir, xxhash.Sum64String(projectPath))
}

// Handler processes one decoded Request and returns the Response to
// write back. Implementations live in cmd/ojd, wired against the
// runtime's MaterializedState and Events channel — this package only
// owns the transport and framing.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// Server accepts connections on a Unix domain socket and dispatches each
// framed Request to Handler, one goroutine per connection.
type Server struct {
	listener       *net.UnixListener
	handler        Handler
	log            *slog.Logger
	requestTimeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// ServerOption configures optional Server behavior.
type ServerOption func(*Server)

// WithRequestTimeout overrides the per-request deadline passed to
// Handler.Handle.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.requestTimeout = d }
}

// Listen binds a Unix domain socket at path, removing a stale socket file
// left behind by a crashed daemon (a live listener refuses the bind with
// "address already in use" before any stale file is touched, so this
// never steals a socket an already-running daemon holds).
func Listen(path string, handler Handler, log *slog.Logger, opts ...ServerOption) (*Server, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: resolve socket path: %w", err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		if !isAddrInUse(err) {
			return nil, fmt.Errorf("rpc: listen: %w", err)
		}
		if isSocketLive(path) {
			return nil, fmt.Errorf("rpc: listen: %w: a daemon is already running at %s", err, path)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("rpc: removing stale socket: %w", rmErr)
		}
		ln, err = net.ListenUnix("unix", addr)
		if err != nil {
			return nil, fmt.Errorf("rpc: listen after clearing stale socket: %w", err)
		}
	}

	s := &Server{
		listener:       ln,
		handler:        handler,
		log:            log,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// isSocketLive reports whether a connection to path succeeds, meaning a
// running daemon, not a crash leftover, holds it.
func isSocketLive(path string) bool {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Serve accepts connections until ctx is canceled or Shutdown is called.
// Each connection is handled in its own goroutine; Serve itself returns
// once the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Shutdown(context.Background())
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		body, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("rpc: read frame failed", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(conn, "", fmt.Sprintf("invalid request: %v", err))
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		resp := s.handler.Handle(reqCtx, &req)
		cancel()
		if resp == nil {
			resp = NewResponse(req.CorrelationID, RespOk)
		}

		respBytes, err := json.Marshal(resp)
		if err != nil {
			s.log.Error("rpc: marshal response failed", "error", err)
			return
		}
		if err := WriteFrame(conn, respBytes); err != nil {
			s.log.Debug("rpc: write frame failed", "error", err)
			return
		}
	}
}

func (s *Server) writeError(conn *net.UnixConn, corrID, message string) {
	resp := NewErrorResponse(corrID, message)
	respBytes, err := json.Marshal(resp)
	if err != nil {
		return
	}
	WriteFrame(conn, respBytes)
}

// Shutdown closes the listener so Serve returns, then waits until ctx is
// done for in-flight connections to finish their current request.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.listener.Close(); err != nil {
		s.log.Debug("rpc: listener close failed", "error", err)
	}
	os.Remove(s.listener.Addr().String())

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrame reads one 4-byte-big-endian-length-prefixed JSON body from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes payload to w prefixed with its 4-byte big-endian
// length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameBytes {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
