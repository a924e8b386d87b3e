package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server runs the observer endpoint on a listener the node posts to.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	log  *slog.Logger
	done chan error

	once    sync.Once
	stopErr error
}

// Listen binds addr (use port 0 for an ephemeral port) and starts serving h.
func Listen(addr string, h http.Handler, log *slog.Logger) (*Server, error) {
	if h == nil {
		return nil, errors.New("observer: nil handler")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("observer: listen %s: %w", addr, err)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
			MaxHeaderBytes:    1 << 20,
		},
		ln:   ln,
		log:  log,
		done: make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	log.Info("observer listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr is the bound host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Endpoint is the host:port form written into node observer config.
func (s *Server) Endpoint() string {
	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return s.Addr()
	}
	return "localhost:" + port
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		if err := s.srv.Shutdown(ctx); err != nil {
			s.stopErr = fmt.Errorf("observer: shutdown: %w", err)
			return
		}
		s.stopErr = <-s.done
	})
	return s.stopErr
}
