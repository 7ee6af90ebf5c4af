package intercom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hausnet/intercom-go/engine"
	"github.com/hausnet/intercom-go/proto"
)

// Server accepts inbound session connections. The device carries one call
// at a time: while any session is non-idle, further connections are turned
// away with a busy error before a session is even created.
type Server struct {
	logger       *slog.Logger
	addr         string
	eng          *engine.Engine
	opts         []Option
	ln           net.Listener
	mu           sync.Mutex
	sessions     map[string]*Session
	shutdownOnce sync.Once
	shutdown     chan struct{}
	done         chan struct{}
}

func NewServer(addr string, eng *engine.Engine, opts ...Option) *Server {
	if addr == "" {
		addr = fmt.Sprintf(":%d", proto.DefaultPort)
	}
	return &Server{
		logger:   slog.Default().With(slog.String("component", "server")),
		addr:     addr,
		eng:      eng,
		opts:     opts,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
	}
}

// Addr returns the bound listen address, valid once Run has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"sessions": len(s.sessions),
	}
}

// Shutdown stops accepting, closes all sessions and waits for teardown.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.shutdownOnce.Do(func() { close(s.shutdown) })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Run listens and accepts until the context ends or Shutdown is called.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		ln.Close()
	}()

	defer s.tearDown()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.shutdown:
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}

		if s.anyActiveExcept(nil) {
			s.logger.Info("rejecting connection, call in progress",
				slog.String("remote", conn.RemoteAddr().String()))
			proto.WriteMessage(conn, proto.MsgError, proto.FlagNone, []byte{byte(proto.ErrCodeBusy)})
			conn.Close()
			continue
		}

		var sess *Session
		opts := append(append([]Option{}, s.opts...), withBusyCheck(func() bool {
			return s.anyActiveExcept(sess)
		}))
		sess = NewSession(conn, s.eng, opts...)
		go s.runSession(ctx, sess)
	}
}

// anyActiveExcept reports whether any session other than skip is non-idle.
func (s *Server) anyActiveExcept(skip *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess != skip && sess.State() != StateIdle {
			return true
		}
	}
	return false
}

func (s *Server) runSession(ctx context.Context, sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()

	if err := sess.Run(ctx); err != nil {
		s.logger.Warn("session ended with error",
			slog.String("session_id", sess.id), slog.Any("err", err))
	}
}

func (s *Server) tearDown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.logger.Debug("closing session", slog.String("session_id", sess.id))
		if err := sess.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("failed to close session", slog.Any("err", err))
		}
	}

	// Sessions unregister themselves as their run loops exit.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.sessions)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.logger.Info("shut down")
	close(s.done)
}

// Dial opens the initiator side of a session. The returned session is not
// running yet; the caller owns its Run loop.
func Dial(ctx context.Context, addr string, eng *engine.Engine, opts ...Option) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewSession(conn, eng, opts...), nil
}
