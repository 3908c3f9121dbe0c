// Package transport owns the HTTP surface of the server: the WebSocket
// upgrade endpoint with its per-connection read and write pumps, the health
// endpoint, and the Prometheus scrape endpoint. Everything after the upgrade
// flows through the session queue; the write pump is the only goroutine that
// touches a socket's write side.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/auth"
	"github.com/adred-codev/chatd/internal/hub"
	"github.com/adred-codev/chatd/internal/limits"
	"github.com/adred-codev/chatd/internal/metrics"
	"github.com/adred-codev/chatd/internal/store"
	"github.com/adred-codev/chatd/internal/wire"
)

const (
	// writeWait bounds every socket write. A client that cannot drain its
	// TCP window within it gets disconnected instead of stalling the pump.
	writeWait = 5 * time.Second

	// writeBufferSize is the bufio capacity of the write pump; frames queued
	// behind the first one coalesce into the same flush.
	writeBufferSize = 4096

	// maxFrameBytes caps one inbound frame before any allocation. The content
	// filter bounds message text much lower; this guards the frame header.
	maxFrameBytes = 64 << 10
)

// Config is the transport's slice of the server configuration.
type Config struct {
	Addr              string
	SendQueueSize     int
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	DBTimeout         time.Duration
}

// Server accepts WebSocket connections, authenticates them, and runs the
// pumps that bridge sockets to hub sessions.
type Server struct {
	cfg       Config
	log       zerolog.Logger
	hub       *hub.Hub
	handler   *hub.Handler
	store     *store.Store
	verifier  *auth.Verifier
	tokens    *auth.TokenRegistry
	admission *limits.Admission
	sampler   *metrics.Sampler

	httpServer   *http.Server
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown int32
}

func NewServer(cfg Config, h *hub.Hub, hd *hub.Handler, st *store.Store, verifier *auth.Verifier, tokens *auth.TokenRegistry, admission *limits.Admission, sampler *metrics.Sampler, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		log:       logger.With().Str("component", "transport").Logger(),
		hub:       h,
		handler:   hd,
		store:     st,
		verifier:  verifier,
		tokens:    tokens,
		admission: admission,
		sampler:   sampler,
	}
}

// Start binds the listener and runs the accept loop in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.httpServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && atomic.LoadInt32(&s.shuttingDown) == 0 {
			s.log.Error().Err(err).Msg("accept loop failed")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("transport listening")
	return nil
}

// Addr reports the bound listen address, which differs from the configured
// one when it asked for port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// handleWS runs the accept pipeline: shutdown gate, admission limiter,
// handshake verification, durable user upsert, upgrade, registration. Each
// gate answers with plain HTTP so rejected clients never cost a socket
// upgrade.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		metrics.RecordConnectionRejected(metrics.RejectShutdown)
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if ok, reason := s.admission.Allow(ip); !ok {
		http.Error(w, "connection rate exceeded: "+reason, http.StatusTooManyRequests)
		return
	}

	token, err := auth.TokenFromRequest(r)
	var ident *auth.Identity
	if err == nil {
		ident, err = s.verifier.Verify(token)
	}
	if err != nil {
		metrics.RecordConnectionRejected(metrics.RejectUnauthorized)
		s.log.Warn().Str("ip", ip).Err(err).Msg("handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DBTimeout)
	err = s.store.UpsertUser(ctx, ident.UserID, ident.Username, ident.Role.String())
	cancel()
	if err != nil {
		s.log.Error().Err(err).Int64("user", ident.UserID).Msg("user upsert failed at connect")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		return
	}

	sess := hub.NewSession(ident.UserID, ident.Username, ident.Role, ip, s.cfg.SendQueueSize)
	s.hub.Register(sess)

	if evicted := s.tokens.Register(ident.UserID, token, ip); evicted != nil {
		s.log.Info().
			Int64("user", ident.UserID).
			Str("token_hash", evicted.Hash).
			Str("addr", evicted.Addr).
			Msg("oldest token evicted at concurrency cap")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveClient(conn, sess, token)
	}()
}

// serveClient runs both pumps and tears the session down when the read side
// ends. The write pump owns the socket close; waiting for it here keeps the
// connection accounted for until the close frame went out.
func (s *Server) serveClient(conn net.Conn, sess *hub.Session, token string) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn, sess)
	}()

	s.readPump(conn, sess, token)

	s.handler.Disconnect(sess)
	s.tokens.Remove(sess.UserID, token)
	<-writerDone
}

// readPump consumes frames until the connection dies. The read deadline is
// three heartbeat intervals, the same window after which the supervisor
// reaps a silent session; any inbound frame, pongs included, resets it.
func (s *Server) readPump(conn net.Conn, sess *hub.Session, token string) {
	rd := wsutil.NewReader(conn, ws.StateServerSide)
	rd.MaxFrameSize = maxFrameBytes

	ctx := context.Background()
	deadWindow := 3 * s.cfg.HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(deadWindow))

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !sess.Closed() {
				s.log.Debug().Err(err).Str("session", sess.ID).Msg("read loop ended")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(deadWindow))
		sess.Touch()
		s.tokens.Touch(sess.UserID, token)

		switch hdr.OpCode {
		case ws.OpClose:
			// The write pump sends the close reply during teardown.
			return
		case ws.OpPing:
			if err := discardFrame(rd, hdr); err != nil {
				return
			}
			sess.TrySendPong()
		case ws.OpPong:
			if err := discardFrame(rd, hdr); err != nil {
				return
			}
		case ws.OpText:
			payload := make([]byte, int(hdr.Length))
			if _, err := io.ReadFull(rd, payload); err != nil {
				s.log.Debug().Err(err).Str("session", sess.ID).Msg("frame payload read failed")
				return
			}
			s.handler.Handle(ctx, sess, payload)
		default:
			if err := discardFrame(rd, hdr); err != nil {
				return
			}
		}
	}
}

// writePump is the sole writer on the socket. It batches queued frames into
// one flush and, once the session is closed, drains what is left in the
// queue so eviction and shutdown notices still reach the client before the
// close frame.
func (s *Server) writePump(conn net.Conn, sess *hub.Session) {
	defer conn.Close()

	wr := bufio.NewWriterSize(conn, writeBufferSize)
	for {
		select {
		case out := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeOutbound(wr, out); err != nil {
				s.log.Debug().Err(err).Str("session", sess.ID).Msg("write failed")
				return
			}
			for n := len(sess.Outbound()); n > 0; n-- {
				if err := writeOutbound(wr, <-sess.Outbound()); err != nil {
					s.log.Debug().Err(err).Str("session", sess.ID).Msg("write failed")
					return
				}
			}
			if err := wr.Flush(); err != nil {
				s.log.Debug().Err(err).Str("session", sess.ID).Msg("flush failed")
				return
			}
		case <-sess.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			for n := len(sess.Outbound()); n > 0; n-- {
				if err := writeOutbound(wr, <-sess.Outbound()); err != nil {
					return
				}
			}
			wsutil.WriteServerMessage(wr, ws.OpClose, nil)
			wr.Flush()
			return
		}
	}
}

func writeOutbound(w io.Writer, out wire.Outbound) error {
	switch {
	case out.Ping:
		return wsutil.WriteServerMessage(w, ws.OpPing, nil)
	case out.Pong:
		return wsutil.WriteServerMessage(w, ws.OpPong, nil)
	default:
		return wsutil.WriteServerMessage(w, ws.OpText, out.Payload)
	}
}

func discardFrame(rd *wsutil.Reader, hdr ws.Header) error {
	if hdr.Length <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, rd, hdr.Length)
	return err
}

type healthResponse struct {
	Status            string  `json:"status"`
	Uptime            float64 `json:"uptime"`
	ActiveConnections int     `json:"activeConnections"`
	Goroutines        int     `json:"goroutines"`
	CPUPercent        float64 `json:"cpuPercent"`
	MemAllocBytes     uint64  `json:"memAllocBytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.hub.Stats()
	sys := s.sampler.Snapshot()

	status := "ok"
	code := http.StatusOK
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthResponse{
		Status:            status,
		Uptime:            snap.Uptime.Seconds(),
		ActiveConnections: snap.ActiveConnections,
		Goroutines:        runtime.NumGoroutine(),
		CPUPercent:        sys.CPUPercent,
		MemAllocBytes:     sys.MemAllocBytes,
	})
}

// Shutdown stops accepting, tells every session the server is going away,
// and waits for the pumps to drain within the configured timeout.
func (s *Server) Shutdown() error {
	s.log.Info().Int("active", s.hub.ActiveSessions()).Msg("transport shutting down")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	s.hub.Shutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("all connections drained")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn().
			Int("active", s.hub.ActiveSessions()).
			Msg("drain window elapsed with connections still open")
		return errors.New("shutdown timed out draining connections")
	}
}

// clientIP prefers X-Forwarded-For so admission limits apply to the real
// client behind a proxy, then falls back to the socket address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
