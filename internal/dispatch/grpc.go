package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/xtxerr/xenfeed/internal/logging"
)

// defaultStreamMethod is the client-streaming method samples are written to.
// The backend registers a matching handler; messages travel as JSON frames,
// so no generated stubs are required on either side.
const defaultStreamMethod = "/xenfeed.v1.IngestService/StreamSamples"

// jsonCodec lets grpc carry plain JSON payloads.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// sampleFrame is the on-wire form of one sample.
type sampleFrame struct {
	EntityKind    string  `json:"entity_kind"`
	EntityID      string  `json:"entity_id"`
	Metric        string  `json:"metric"`
	Instance      string  `json:"instance,omitempty"`
	Consolidation string  `json:"cf"`
	Timestamp     int64   `json:"t"`
	Value         float64 `json:"value"`
	IntervalSec   int64   `json:"interval_sec"`
}

func newSampleFrame(s Sample) sampleFrame {
	return sampleFrame{
		EntityKind:    s.Identity.Kind.String(),
		EntityID:      s.Identity.EntityID,
		Metric:        s.Identity.Metric,
		Instance:      s.Identity.Instance,
		Consolidation: s.Consolidation.String(),
		Timestamp:     s.Timestamp,
		Value:         s.Value,
		IntervalSec:   s.Interval,
	}
}

// GRPCSink streams samples to a gRPC backend over a long-lived
// client-streaming call. A failed send reopens the stream once and retries;
// a second failure is surfaced to the dispatcher.
type GRPCSink struct {
	mu sync.Mutex

	log       *slog.Logger
	addr      string
	tlsConfig *tls.Config
	token     string
	method    string

	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

// NewGRPCSink creates a GRPCSink. tlsCfg may be nil for plaintext; method
// may be empty to use the default stream method.
func NewGRPCSink(addr, token, method string, tlsCfg *tls.Config) *GRPCSink {
	if method == "" {
		method = defaultStreamMethod
	}
	return &GRPCSink{
		log:       logging.Component("sink-grpc"),
		addr:      addr,
		tlsConfig: tlsCfg,
		token:     token,
		method:    method,
	}
}

// Submit sends one sample frame on the stream.
func (s *GRPCSink) Submit(ctx context.Context, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStreamLocked(ctx); err != nil {
		return err
	}

	frame := newSampleFrame(sample)
	if err := s.stream.SendMsg(&frame); err != nil {
		s.log.Warn("grpc send failed, reopening stream", "error", err)
		s.stream = nil
		if err2 := s.ensureStreamLocked(ctx); err2 != nil {
			return fmt.Errorf("reopen stream: %w", err2)
		}
		if err2 := s.stream.SendMsg(&frame); err2 != nil {
			return fmt.Errorf("send sample frame: %w", err2)
		}
	}
	return nil
}

// Close tears down the stream and connection.
func (s *GRPCSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		_ = s.stream.CloseSend()
		s.stream = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *GRPCSink) ensureStreamLocked(ctx context.Context) error {
	if err := s.ensureConnLocked(); err != nil {
		return err
	}
	if s.stream != nil {
		return nil
	}

	streamCtx := context.WithoutCancel(ctx)
	if s.token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+s.token)
	}

	stream, err := s.conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true}, s.method)
	if err != nil {
		return fmt.Errorf("open sample stream: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *GRPCSink) ensureConnLocked() error {
	if s.conn != nil {
		return nil
	}

	var creds credentials.TransportCredentials
	if s.tlsConfig != nil {
		creds = credentials.NewTLS(s.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(
		s.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return fmt.Errorf("grpc dial %s: %w", s.addr, err)
	}
	s.conn = conn
	s.log.Info("grpc sink connected", "addr", s.addr)
	return nil
}
