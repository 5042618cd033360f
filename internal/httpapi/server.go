package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "taskbell/pkg/logx"
)

// Server owns the listener. Start binds synchronously so address errors
// reach the caller; serving continues in the background.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

func NewServer(h http.Handler, readTimeout time.Duration, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	return &Server{
		log: log.With(logx.String("comp", "http")),
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: readTimeout,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting and waits for in-flight requests until ctx ends.
// Hijacked websocket connections are not tracked here; the hub closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	started := s.ln != nil
	s.mu.Unlock()
	if !started {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
