// Package ingest implements the TCP accept loop and connection handling used
// by both the drone tier (sensor connections) and the central tier (drone connections).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"drone-telemetry/internal/metrics"
	"drone-telemetry/internal/wire"
)

// MessageHandler processes one complete line received from remoteAddr. It
// returns the logical node id carried by the message, if any. A non-nil error
// marks the line as malformed; it is logged and skipped.
type MessageHandler func(remoteAddr string, line []byte) (logicalID string, err error)

// Status is the lifecycle state of a server
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Config holds server configuration
type Config struct {
	Tier           string
	ListenAddr     string
	AcceptTimeout  time.Duration
	ReadTimeout    time.Duration
	ReadBufferSize int
}

// DefaultConfig returns the default server configuration for a tier
func DefaultConfig(tier, listenAddr string) Config {
	return Config{
		Tier:           tier,
		ListenAddr:     listenAddr,
		AcceptTimeout:  1 * time.Second,
		ReadTimeout:    60 * time.Second,
		ReadBufferSize: 1024,
	}
}

// Server accepts TCP connections and feeds their newline-delimited JSON to a handler
type Server struct {
	config   Config
	registry *Registry
	handler  MessageHandler
	admit    func() bool
	onClose  func(logicalID string)

	mu       sync.Mutex
	listener net.Listener
	status   Status
	lastErr  error

	running  atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	warnLimiter *rate.Limiter
}

// NewServer creates a server that tracks its connections in registry
func NewServer(config Config, registry *Registry, handler MessageHandler) *Server {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 1024
	}
	if config.AcceptTimeout <= 0 {
		config.AcceptTimeout = time.Second
	}
	return &Server{
		config:      config,
		registry:    registry,
		handler:     handler,
		status:      StatusStopped,
		done:        make(chan struct{}),
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// SetAdmission installs a gate consulted for every accepted connection.
// When it returns false the connection is closed immediately.
func (s *Server) SetAdmission(admit func() bool) {
	s.mu.Lock()
	s.admit = admit
	s.mu.Unlock()
}

// SetCloseHook installs a function called when a handler exits and no other
// live connection carries the same logical id
func (s *Server) SetCloseHook(onClose func(logicalID string)) {
	s.mu.Lock()
	s.onClose = onClose
	s.mu.Unlock()
}

// Start binds the listening socket and runs the accept loop in the background.
// A bind failure puts the server in StatusError and is returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		err = fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
		s.setStatus(StatusError, err)
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)
	s.setStatus(StatusRunning, nil)
	log.Printf("IngestServer[%s]: listening on %s", s.config.Tier, ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	return nil
}

// Stop closes the listener and every live connection, then waits for handlers to exit
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.done)

		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
		s.registry.CloseAll()
		s.wg.Wait()

		s.mu.Lock()
		if s.status == StatusRunning {
			s.status = StatusStopped
		}
		s.mu.Unlock()
		log.Printf("IngestServer[%s]: stopped", s.config.Tier)
	})
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Status returns the current lifecycle state and the error that caused StatusError
func (s *Server) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastErr
}

// Registry returns the registry tracking this server's connections
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) setStatus(status Status, err error) {
	s.mu.Lock()
	s.status = status
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Server) admitting() bool {
	s.mu.Lock()
	admit := s.admit
	s.mu.Unlock()
	return admit == nil || admit()
}

// acceptLoop wakes at least once per AcceptTimeout so it can observe shutdown
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	deadliner, _ := ln.(interface{ SetDeadline(time.Time) error })

	for s.running.Load() {
		if deadliner != nil {
			_ = deadliner.SetDeadline(time.Now().Add(s.config.AcceptTimeout))
		}

		conn, err := ln.Accept()
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("IngestServer[%s]: accept error: %v", s.config.Tier, err)
			continue
		}

		if !s.running.Load() {
			_ = conn.Close()
			return
		}
		if !s.admitting() {
			log.Printf("IngestServer[%s]: rejecting connection from %s, not admitting", s.config.Tier, conn.RemoteAddr())
			metrics.ConnectionsRejected.WithLabelValues(s.config.Tier).Inc()
			_ = conn.Close()
			continue
		}

		addr := s.registry.Add(conn)
		// Admission may have flipped while the connection was being added,
		// after a CloseAll that could not see it.
		if !s.admitting() {
			s.registry.Remove(addr, conn)
			log.Printf("IngestServer[%s]: rejecting connection from %s, not admitting", s.config.Tier, addr)
			metrics.ConnectionsRejected.WithLabelValues(s.config.Tier).Inc()
			_ = conn.Close()
			continue
		}
		log.Printf("IngestServer[%s]: accepted connection from %s", s.config.Tier, addr)

		s.wg.Add(1)
		go s.handleConnection(conn, addr)
	}
}

// handleConnection reads until the peer goes away, the read deadline expires
// or the connection is evicted. Lines are handled strictly in arrival order.
func (s *Server) handleConnection(conn net.Conn, addr string) {
	var lines wire.LineBuffer
	buf := make([]byte, s.config.ReadBufferSize)
	bound := ""

	defer s.wg.Done()
	defer func() {
		s.registry.Remove(addr, conn)
		if err := conn.Close(); err != nil && !IsExpectedClose(err) {
			log.Printf("IngestServer[%s]: close %s: %v", s.config.Tier, addr, err)
		}

		s.mu.Lock()
		onClose := s.onClose
		s.mu.Unlock()
		if bound != "" && onClose != nil && !s.registry.Connected(bound) {
			onClose(bound)
		}
	}()

	for s.running.Load() {
		if s.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			s.registry.Touch(addr)

			overflows := lines.Overflows
			for _, line := range lines.Feed(buf[:n]) {
				id, herr := s.handler(addr, line)
				if herr != nil {
					metrics.MalformedMessages.WithLabelValues(s.config.Tier).Inc()
					s.warnf("skipping line from %s: %v", addr, herr)
					continue
				}
				metrics.MessagesReceived.WithLabelValues(s.config.Tier).Inc()
				if id != "" && id != bound {
					s.registry.Bind(addr, id)
					bound = id
					log.Printf("IngestServer[%s]: %s identified as %s", s.config.Tier, addr, id)
				}
			}
			if lines.Overflows > overflows {
				metrics.MalformedMessages.WithLabelValues(s.config.Tier).Inc()
				s.warnf("discarded oversized partial line from %s", addr)
			}
		}

		if err != nil {
			switch {
			case IsTimeout(err):
				log.Printf("IngestServer[%s]: read timeout on %s, closing", s.config.Tier, addr)
			case IsExpectedClose(err):
				log.Printf("IngestServer[%s]: connection %s closed", s.config.Tier, addr)
			default:
				log.Printf("IngestServer[%s]: read error on %s: %v", s.config.Tier, addr, err)
			}
			return
		}
	}
}

func (s *Server) warnf(format string, args ...interface{}) {
	if s.warnLimiter.Allow() {
		log.Printf("IngestServer[%s]: Warning: "+format, append([]interface{}{s.config.Tier}, args...)...)
	}
}
