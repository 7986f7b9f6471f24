package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// EvaluatorService is the gRPC service name of the evaluation engine.
	EvaluatorService = "oralexam.evaluation.v1.Evaluator"
	evaluateMethod   = "/" + EvaluatorService + "/Evaluate"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("evaluator not serving")
)

// GRPCConfig holds configuration for the gRPC evaluator client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCEvaluator calls the evaluation engine over a unary gRPC method with
// google.protobuf.Struct messages.
type GRPCEvaluator struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// NewGRPCEvaluator connects to the engine and fails fast if it is not serving.
func NewGRPCEvaluator(ctx context.Context, cfg GRPCConfig, logger *slog.Logger) (*GRPCEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGRPCConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator client for %s: %w", cfg.Address, err)
	}

	c := &GRPCEvaluator{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		c.Close()
		return nil, fmt.Errorf("evaluator at %s not ready: %w", cfg.Address, err)
	}
	if err := c.Health(connectCtx); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("Connected to evaluation engine", "address", cfg.Address)
	return c, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Health checks the standard gRPC health service for the evaluator.
func (c *GRPCEvaluator) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: EvaluatorService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Evaluate calls the engine. The response struct is validated with the same
// schema as the HTTP transport.
func (c *GRPCEvaluator) Evaluate(ctx context.Context, er EvaluationRequest) (domain.AnswerEvaluation, error) {
	req, err := structpb.NewStruct(er.asMap())
	if err != nil {
		return domain.AnswerEvaluation{}, fmt.Errorf("build evaluation request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, evaluateMethod, req, resp); err != nil {
		c.logger.Warn("Evaluate call failed", "address", c.addr, "error", err)
		return domain.AnswerEvaluation{}, classifyGRPC(ctx, OpEvaluate, err)
	}

	body, err := json.Marshal(resp.AsMap())
	if err != nil {
		return domain.AnswerEvaluation{}, malformed(fmt.Errorf("encode response: %w", err))
	}
	return DecodeEvaluation(body)
}

// Close closes the gRPC connection.
func (c *GRPCEvaluator) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}
