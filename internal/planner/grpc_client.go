package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProposeNextStepMethod is the full gRPC method name of the step proposer.
const ProposeNextStepMethod = "/firmdesk.planner.v1.Planner/ProposeNextStep"

// maxOutputBytes bounds each tool output forwarded in the step history.
const maxOutputBytes = 2000

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errEmptyProposal            = errors.New("planner returned neither a tool nor a completion")
)

// GrpcClient calls the reasoning capability over gRPC with
// google.protobuf.Struct request and response messages.
type GrpcClient struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	historyWindow  int
	logger         *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	HistoryWindow    int
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		HistoryWindow:    25,
	}
}

// NewGrpcClient creates a client. An unreachable endpoint is logged, not
// fatal: Available reports it and task starts are refused until it recovers.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create planner client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		logger.Warn("Reasoning capability not ready at startup", "address", cfg.Address, "error", err)
	} else {
		logger.Info("Connected to reasoning capability", "address", cfg.Address)
	}

	return &GrpcClient{
		conn:           conn,
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		historyWindow:  cfg.HistoryWindow,
		logger:         logger,
	}, nil
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

// Available reports whether the connection is usable or recovering.
func (c *GrpcClient) Available() bool {
	switch c.conn.GetState() {
	case connectivity.Shutdown, connectivity.TransientFailure:
		return false
	case connectivity.Idle:
		c.conn.Connect()
	}
	return true
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// ProposeNextStep asks the reasoning capability for the next step.
func (c *GrpcClient) ProposeNextStep(ctx context.Context, sc StepContext) (Proposal, error) {
	req, err := c.buildRequest(sc)
	if err != nil {
		return Proposal{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ProposeNextStepMethod, req, resp); err != nil {
		c.logger.Warn("ProposeNextStep failed", "error", err, "task_id", sc.TaskID, "step", sc.StepNumber)
		return Proposal{}, classifyError(err)
	}

	raw, err := resp.MarshalJSON()
	if err != nil {
		return Proposal{}, fmt.Errorf("encode planner response: %w", err)
	}
	return parseProposal(raw)
}

func (c *GrpcClient) buildRequest(sc StepContext) (*structpb.Struct, error) {
	if len(sc.History) > c.historyWindow {
		sc.History = sc.History[len(sc.History)-c.historyWindow:]
	}
	history := make([]domain.ToolInvocation, len(sc.History))
	for i, inv := range sc.History {
		inv.Output = truncateOutput(inv.Output)
		history[i] = inv
	}
	sc.History = history

	body, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("encode step context: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode step context: %w", err)
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build planner request: %w", err)
	}
	return req, nil
}

func truncateOutput(out json.RawMessage) json.RawMessage {
	if len(out) <= maxOutputBytes {
		return out
	}
	clipped, _ := json.Marshal(string(out[:maxOutputBytes]) + "...[truncated]")
	return clipped
}

// parseProposal reads a planner response. Both a flat {"tool","args"} and a
// nested {"action":{"tool","args"}} shape are accepted.
func parseProposal(raw []byte) (Proposal, error) {
	r := gjson.ParseBytes(raw)
	p := Proposal{
		Thought:  r.Get("thought").String(),
		Terminal: r.Get("terminal").Bool() || r.Get("done").Bool(),
	}
	if plan := r.Get("plan"); plan.Exists() && plan.Type != gjson.Null {
		p.Plan = json.RawMessage(plan.Raw)
	}

	if p.Terminal {
		switch res := r.Get("result"); {
		case res.Type == gjson.String:
			p.Result = res.Str
		case res.Exists() && res.Type != gjson.Null:
			p.Result = res.Raw
		}
		return p, nil
	}

	action := r
	if a := r.Get("action"); a.IsObject() {
		action = a
	}
	p.Tool = action.Get("tool").String()
	if p.Tool == "" {
		return Proposal{}, errEmptyProposal
	}
	if args := action.Get("args"); args.IsObject() {
		p.Args = json.RawMessage(args.Raw)
	} else {
		p.Args = json.RawMessage("{}")
	}
	return p, nil
}

func classifyError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("propose next step: %w: %w", domain.ErrServiceUnavailable, err)
	}
	return fmt.Errorf("propose next step: %w", err)
}

var _ Planner = (*GrpcClient)(nil)
