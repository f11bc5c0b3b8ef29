package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/xtxerr/xenfeed/config"
	"github.com/xtxerr/xenfeed/internal/logging"
)

// WebSocketSink writes sample frames as JSON text messages over a
// websocket connection. A failed write reconnects once and retries;
// a background ping loop keeps idle connections alive.
type WebSocketSink struct {
	mu sync.Mutex

	log          *slog.Logger
	url          string
	token        string
	tlsConfig    *tls.Config
	writeTimeout time.Duration
	pingInterval time.Duration

	conn       *websocket.Conn
	pingCancel context.CancelFunc
}

// NewWebSocketSink creates a WebSocketSink. tlsCfg may be nil.
func NewWebSocketSink(url, token string, tlsCfg *tls.Config, writeTimeout time.Duration) *WebSocketSink {
	if writeTimeout <= 0 {
		writeTimeout = config.DefaultSinkWriteTimeout
	}
	return &WebSocketSink{
		log:          logging.Component("sink-websocket"),
		url:          url,
		token:        token,
		tlsConfig:    tlsCfg,
		writeTimeout: writeTimeout,
		pingInterval: 10 * time.Second,
	}
}

// Submit sends one sample frame.
func (s *WebSocketSink) Submit(ctx context.Context, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnLocked(ctx); err != nil {
		return err
	}

	frame := newSampleFrame(sample)
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode sample frame: %w", err)
	}

	wctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, payload); err != nil {
		s.log.Warn("websocket write failed, reconnecting", "error", err)
		_ = s.conn.Close(websocket.StatusInternalError, "reconnect")
		s.conn = nil
		if err2 := s.ensureConnLocked(ctx); err2 != nil {
			return err2
		}
		if err2 := s.conn.Write(wctx, websocket.MessageText, payload); err2 != nil {
			return fmt.Errorf("write sample frame retry: %w", err2)
		}
	}
	return nil
}

// Close stops the ping loop and closes the connection.
func (s *WebSocketSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pingCancel != nil {
		s.pingCancel()
		s.pingCancel = nil
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "shutdown")
	s.conn = nil
	return err
}

func (s *WebSocketSink) ensureConnLocked(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}

	h := http.Header{}
	if s.token != "" {
		h.Set("Authorization", "Bearer "+s.token)
	}
	opt := &websocket.DialOptions{HTTPHeader: h}
	if s.tlsConfig != nil {
		opt.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: s.tlsConfig}}
	}

	dialCtx := context.Background()
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithDeadline(dialCtx, dl)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, s.url, opt)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", s.url, err)
	}
	s.conn = conn
	s.startPingLoopLocked()
	s.log.Info("websocket sink connected", "url", s.url)
	return nil
}

func (s *WebSocketSink) startPingLoopLocked() {
	if s.pingCancel != nil {
		s.pingCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pingCancel = cancel
	go func(conn *websocket.Conn, interval time.Duration) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
				_ = conn.Ping(pingCtx)
				pingCancel()
			}
		}
	}(s.conn, s.pingInterval)
}
