package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Mode selects the engine transport.
type Mode string

const (
	ModeHTTP Mode = "HTTP"
	ModeGRPC Mode = "GRPC"
	ModeMock Mode = "MOCK"
)

// Config selects and configures the engines.
type Config struct {
	Mode             Mode
	TranscriptionURL string
	EvaluationURL    string
	GRPCAddress      string
	APIKey           string
	Language         string
	Timeout          time.Duration
}

// Engines is the pair of engine clients the pipeline needs.
type Engines struct {
	Transcriber Transcriber
	Evaluator   Evaluator
	closers     []func()
}

// Close releases engine connections.
func (e *Engines) Close() {
	for _, c := range e.closers {
		c()
	}
}

// NewEngines builds the engines for cfg.Mode.
func NewEngines(ctx context.Context, cfg Config, logger *slog.Logger) (*Engines, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode := Mode(strings.ToUpper(string(cfg.Mode)))
	if mode == "" {
		mode = ModeHTTP
	}

	if mode == ModeMock {
		logger.Info("AI engines running in mock mode")
		mock := NewMockEngine()
		return &Engines{Transcriber: mock, Evaluator: mock}, nil
	}

	httpCfg := HTTPConfig{
		TranscriptionURL: cfg.TranscriptionURL,
		EvaluationURL:    cfg.EvaluationURL,
		APIKey:           cfg.APIKey,
		Language:         cfg.Language,
		Timeout:          cfg.Timeout,
	}
	transcriber, err := NewHTTPTranscriber(httpCfg)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeHTTP:
		evaluator, err := NewHTTPEvaluator(httpCfg)
		if err != nil {
			return nil, err
		}
		return &Engines{Transcriber: transcriber, Evaluator: evaluator}, nil
	case ModeGRPC:
		cfgGRPC := DefaultGRPCConfig()
		if cfg.GRPCAddress != "" {
			cfgGRPC.Address = cfg.GRPCAddress
		}
		evaluator, err := NewGRPCEvaluator(ctx, cfgGRPC, logger)
		if err != nil {
			return nil, err
		}
		return &Engines{Transcriber: transcriber, Evaluator: evaluator, closers: []func(){evaluator.Close}}, nil
	default:
		return nil, fmt.Errorf("unknown AI mode %q", cfg.Mode)
	}
}
