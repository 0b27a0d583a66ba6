// Package backendtest provides a fake backend worker that speaks the frame
// protocol over a real Unix socket, for tests.
package backendtest

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gaspardpetit/udsgate/internal/frame"
)

// Handler maps one request payload to one reply payload. Returning nil closes
// the connection without replying.
type Handler func(req []byte) []byte

// Server is a fake backend listening on a Unix socket.
type Server struct {
	Path string

	ln       net.Listener
	handler  Handler
	accepted atomic.Int64
	requests atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// SocketPath returns a short, unused socket path in a fresh temp directory.
func SocketPath(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ugw")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "b.sock")
}

// Start listens on a fresh socket path and serves h until the test ends.
func Start(t testing.TB, h Handler) *Server {
	t.Helper()
	return StartAt(t, SocketPath(t), h)
}

// StartAt listens on path and serves h until the test ends.
func StartAt(t testing.TB, path string, h Handler) *Server {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	s := &Server{Path: path, ln: ln, handler: h, conns: map[net.Conn]struct{}{}}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer s.wg.Done()
	defer s.forget(c)
	for {
		req, err := frame.Read(c, 0)
		if err != nil {
			return
		}
		s.requests.Add(1)
		reply := s.handler(req)
		if reply == nil {
			return
		}
		if err := frame.Write(c, reply); err != nil {
			return
		}
	}
}

func (s *Server) forget(c net.Conn) {
	_ = c.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// Requests returns the number of frames received so far.
func (s *Server) Requests() int { return int(s.requests.Load()) }

// DropConnections closes every server-side connection, as a restarting
// backend would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
}

// Close stops the listener and every connection.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

// Success wraps data in a successful response envelope.
func Success(data any) []byte {
	b, _ := json.Marshal(map[string]any{"success": true, "data": data})
	return b
}

// Failure builds a failed response envelope.
func Failure(msg string) []byte {
	b, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return b
}

// Echo replies with the request payload as the envelope data.
func Echo(req []byte) []byte {
	return Success(json.RawMessage(req))
}
