// Package client manages the agent subprocess: spawning, the initialize
// handshake, request correlation, approval bridging, and feeding inbound
// traffic to the event pipeline.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/protocol"
	"github.com/agentbridge/agentbridge/pkg/appserver"
)

// Options configures the agent subprocess.
type Options struct {
	// Command is the agent executable.
	Command string
	// Args are extra argv entries appended after the app-server subcommand.
	Args    []string
	WorkDir string
	Env     map[string]string
	// AgentID names this connection in logs and debug captures.
	AgentID string
	// ApprovalPolicy, Model and SandboxMode are applied as defaults on
	// thread start/resume when the caller leaves them unset.
	ApprovalPolicy string
	Model          string
	SandboxMode    string
	// InitializeTimeout bounds the handshake. A handshake that does not
	// complete in time is fatal to the connection.
	InitializeTimeout time.Duration
	// RequestTTL bounds how long un-answered correlated requests are
	// remembered before being swept.
	RequestTTL time.Duration
}

// requestSweepInterval is how often abandoned correlated requests are swept.
const requestSweepInterval = 30 * time.Second

// EventUnit is one normalized notification handed to the pipeline.
type EventUnit struct {
	Event *protocol.Event
}

// ResponseUnit is one RPC response handed to the pipeline, with the request
// context it correlates to (nil when the request was already swept).
type ResponseUnit struct {
	Response *appserver.Response
	Pending  *PendingRequest
}

// Sink receives inbound units keyed by partition. Enqueue order is the wire
// order; the sink is expected to preserve it per key.
type Sink func(ctx context.Context, partition string, unit any) error

// ApprovalDecider answers server-initiated approval requests. It runs on the
// read-loop goroutine: the agent is blocked until the decision is returned.
type ApprovalDecider interface {
	Decide(ctx context.Context, ev *protocol.Event) string
}

// Connection is one live agent subprocess with its protocol client.
type Connection struct {
	opts     Options
	sink     Sink
	decider  ApprovalDecider
	requests *RequestMap
	logger   *logger.Logger

	cmd    *exec.Cmd
	client *appserver.Client
	stderr *stderrRing

	ready    chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	exitErr  error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection creates an unstarted connection.
func NewConnection(opts Options, sink Sink, decider ApprovalDecider, log *logger.Logger) *Connection {
	if opts.Command == "" {
		opts.Command = "codex"
	}
	if opts.AgentID == "" {
		opts.AgentID = "agent"
	}
	if opts.InitializeTimeout <= 0 {
		opts.InitializeTimeout = 30 * time.Second
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		opts:     opts,
		sink:     sink,
		decider:  decider,
		requests: NewRequestMap(),
		logger: log.WithFields(
			zap.String("component", "agent-connection"),
			zap.String("agent_id", opts.AgentID)),
		stderr: &stderrRing{},
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start spawns the subprocess and performs the initialize handshake. On
// return the connection is ready for commands; any failure here is fatal and
// the subprocess is torn down.
func (c *Connection) Start(ctx context.Context) error {
	argv := append([]string{"app-server"}, c.opts.Args...)
	cmd := exec.Command(c.opts.Command, argv...)
	cmd.Dir = c.opts.WorkDir
	cmd.Env = os.Environ()
	for k, v := range c.opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent process: %w", err)
	}
	c.cmd = cmd
	c.logger.Info("agent process started",
		zap.String("command", c.opts.Command),
		zap.Int("pid", cmd.Process.Pid))

	go c.stderr.drain(stderr, c.logger)

	c.client = appserver.NewClient(stdin, stdout, c.logger)
	c.client.SetNotificationHandler(c.handleNotification)
	c.client.SetRequestHandler(c.handleRequest)
	c.client.SetResponseHandler(c.handleResponse)
	c.client.SetClosedHandler(c.handleClosed)
	c.client.Start(c.ctx)

	go c.waitProcess()
	go c.sweepLoop()

	if err := c.handshake(ctx); err != nil {
		c.Stop()
		return err
	}
	close(c.ready)
	return nil
}

// handshake performs initialize/initialized with the configured timeout. A
// subprocess that exits mid-handshake fails it immediately instead of
// waiting out the timeout.
func (c *Connection) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.InitializeTimeout)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	resp, err := c.client.Call(ctx, appserver.MethodInitialize, &appserver.InitializeParams{
		ClientInfo: &appserver.ClientInfo{
			Name:    "agentbridge",
			Title:   "AgentBridge",
			Version: "1.0.0",
		},
	})
	if err != nil {
		select {
		case <-c.done:
			if exitErr := c.Err(); exitErr != nil {
				return fmt.Errorf("agent exited before initialize completed: %w", exitErr)
			}
			return fmt.Errorf("agent exited before initialize completed")
		default:
		}
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error: %s", resp.Error.Message)
	}

	var result appserver.InitializeResult
	if resp.Result != nil {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			c.logger.Warn("failed to parse initialize result", zap.Error(err))
		}
	}

	if err := c.client.Notify(appserver.MethodInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.logger.Info("agent initialized", zap.String("user_agent", result.UserAgent))
	return nil
}

// Ready is closed once the handshake has completed.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed when the subprocess has exited. Err reports why.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the exit error after Done is closed.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.exitErr
	default:
		return nil
	}
}

// StderrLines returns the retained tail of the subprocess stderr.
func (c *Connection) StderrLines() []string {
	return c.stderr.Lines()
}

// Requests exposes the in-flight request map.
func (c *Connection) Requests() *RequestMap {
	return c.requests
}

// Stop tears the connection down: cancels the read loop and kills the
// subprocess if it is still running.
func (c *Connection) Stop() {
	c.cancel()
	if c.client != nil {
		c.client.Stop()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

// waitProcess reaps the subprocess and records why it exited. Stderr often
// carries the actual failure (rate limits, auth) when the wire goes silent.
func (c *Connection) waitProcess() {
	err := c.cmd.Wait()
	if err != nil {
		if parsed := ParseStderrLines(c.stderr.Lines()); parsed != nil {
			err = fmt.Errorf("agent exited: %s: %w", parsed.Message, err)
		} else {
			err = fmt.Errorf("agent exited: %w", err)
		}
		c.logger.Error("agent process exited", zap.Error(err))
	} else {
		c.logger.Info("agent process exited cleanly")
	}
	c.doneOnce.Do(func() {
		c.exitErr = err
		close(c.done)
	})
	c.cancel()
}

// sweepLoop periodically drops abandoned correlated requests.
func (c *Connection) sweepLoop() {
	ticker := time.NewTicker(requestSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, req := range c.requests.Sweep(c.opts.RequestTTL) {
				c.logger.Warn("sweeping abandoned request",
					zap.Int64("request_id", req.ID),
					zap.String("method", req.Method),
					zap.Duration("age", time.Since(req.SentAt)))
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// handleNotification normalizes one inbound notification and enqueues it.
// Unrecognized methods are logged and dropped; they must not kill the read
// loop.
func (c *Connection) handleNotification(method string, params json.RawMessage) {
	protocol.LogRawEvent(c.opts.AgentID, method, params)

	ev, err := protocol.Parse(method, params)
	if err != nil {
		c.logger.Warn("dropping unrecognized notification",
			zap.String("method", method))
		return
	}
	if ev.Kind == protocol.KindIgnored {
		c.logger.Debug("ignoring notification", zap.String("method", method))
		return
	}
	protocol.LogNormalizedEvent(c.opts.AgentID, ev)

	if err := c.sink(c.ctx, c.partitionFor(ev), &EventUnit{Event: ev}); err != nil {
		c.logger.Warn("failed to enqueue event",
			zap.String("method", method),
			zap.Error(err))
	}
}

// handleRequest answers a server-initiated request. The agent blocks until
// the response is written, so this runs synchronously on the read loop. Any
// failure declines: never leave the agent hanging, never approve by
// accident.
func (c *Connection) handleRequest(id any, method string, params json.RawMessage) {
	protocol.LogRawEvent(c.opts.AgentID, method, params)

	ev, err := protocol.Parse(method, params)
	if err != nil || ev.Kind != protocol.KindApprovalRequested {
		c.logger.Warn("unrecognized server request, declining",
			zap.String("method", method))
		c.respondApproval(id, appserver.DecisionDecline)
		return
	}

	decision := appserver.DecisionDecline
	if c.decider != nil {
		decision = c.decide(ev)
	}
	c.respondApproval(id, decision)

	c.logger.Info("answered approval request",
		zap.String("method", method),
		zap.String("decision", decision),
		zap.String("thread_id", ev.ThreadID))

	// Record the request and its outcome after the reply is on the wire.
	if err := c.sink(c.ctx, c.partitionFor(ev), &EventUnit{Event: ev}); err != nil {
		c.logger.Warn("failed to enqueue approval event", zap.Error(err))
	}
}

// decide invokes the decider with panic containment.
func (c *Connection) decide(ev *protocol.Event) (decision string) {
	decision = appserver.DecisionDecline
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("approval decider panic", zap.Any("panic", r))
			decision = appserver.DecisionDecline
		}
	}()
	return c.decider.Decide(c.ctx, ev)
}

func (c *Connection) respondApproval(id any, decision string) {
	if err := c.client.SendResponse(id, &appserver.ApprovalResponse{Decision: decision}, nil); err != nil {
		c.logger.Error("failed to send approval response", zap.Error(err))
	}
}

// handleResponse routes an async RPC response into the pipeline, attaching
// the pending-request context when it is still known.
func (c *Connection) handleResponse(resp *appserver.Response) {
	var pending *PendingRequest
	if id, ok := resp.ID.(int64); ok {
		pending = c.requests.Pop(id)
	}

	partition := "default"
	if pending != nil && pending.ThreadID != "" {
		partition = pending.ThreadID
	}

	if err := c.sink(c.ctx, partition, &ResponseUnit{Response: resp, Pending: pending}); err != nil {
		c.logger.Warn("failed to enqueue response", zap.Error(err))
	}
}

func (c *Connection) handleClosed(err error) {
	if err != nil {
		c.logger.Warn("agent stdout closed", zap.Error(err))
	}
}

// partitionFor derives the pipeline partition from an event's thread id.
// Events with no thread serialize on the shared default partition.
func (c *Connection) partitionFor(ev *protocol.Event) string {
	if ev.ThreadID != "" {
		return ev.ThreadID
	}
	return ""
}
