package dispatch

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/xtxerr/xenfeed/internal/errors"
)

// SinkConfig selects and parameterizes the sample sink.
type SinkConfig struct {
	// Kind is one of "log", "grpc" or "websocket".
	Kind string

	// Address is the gRPC target or websocket URL. Unused for the log sink.
	Address string

	// Token is sent as a Bearer credential when non-empty.
	Token string

	// Method overrides the gRPC stream method. Unused for other kinds.
	Method string

	// Insecure disables TLS for the gRPC sink.
	Insecure bool

	WriteTimeout time.Duration
}

// NewSink builds the sink described by cfg. An empty Kind yields the
// log sink so a bare config still produces visible output.
func NewSink(cfg SinkConfig) (Sink, error) {
	switch cfg.Kind {
	case "", "log":
		return NewLogSink(), nil
	case "grpc":
		if cfg.Address == "" {
			return nil, errors.NewMissingField("sink.address")
		}
		var tlsCfg *tls.Config
		if !cfg.Insecure {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return NewGRPCSink(cfg.Address, cfg.Token, cfg.Method, tlsCfg), nil
	case "websocket":
		if cfg.Address == "" {
			return nil, errors.NewMissingField("sink.address")
		}
		return NewWebSocketSink(cfg.Address, cfg.Token, nil, cfg.WriteTimeout), nil
	default:
		return nil, fmt.Errorf("%w: unknown sink kind %q", errors.ErrInvalidConfig, cfg.Kind)
	}
}
