package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/protocol"
	"github.com/agentbridge/agentbridge/pkg/appserver"
)

type sinkUnit struct {
	partition string
	unit      any
}

// connHarness wires a Connection to in-memory pipes instead of a subprocess:
// the test plays the agent, reading what the connection writes and injecting
// stdout lines into the read loop.
type connHarness struct {
	conn     *Connection
	units    chan sinkUnit
	agentIn  *bufio.Scanner
	agentOut io.WriteCloser
}

func newConnHarness(t *testing.T, opts Options, decider ApprovalDecider) *connHarness {
	t.Helper()

	units := make(chan sinkUnit, 16)
	sink := func(_ context.Context, partition string, unit any) error {
		units <- sinkUnit{partition: partition, unit: unit}
		return nil
	}

	conn := NewConnection(opts, sink, decider, logger.Default())

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	conn.client = appserver.NewClient(stdinW, stdoutR, logger.Default())
	conn.client.SetNotificationHandler(conn.handleNotification)
	conn.client.SetRequestHandler(conn.handleRequest)
	conn.client.SetResponseHandler(conn.handleResponse)
	conn.client.SetClosedHandler(conn.handleClosed)
	conn.client.Start(conn.ctx)

	t.Cleanup(func() {
		conn.cancel()
		conn.client.Stop()
		stdinW.Close()
		stdoutW.Close()
	})

	return &connHarness{
		conn:     conn,
		units:    units,
		agentIn:  bufio.NewScanner(stdinR),
		agentOut: stdoutW,
	}
}

func (h *connHarness) readSent(t *testing.T) map[string]any {
	t.Helper()
	lines := make(chan string, 1)
	go func() {
		if h.agentIn.Scan() {
			lines <- h.agentIn.Text()
		}
	}()
	select {
	case line := <-lines:
		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("outbound line is not JSON: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func (h *connHarness) inject(t *testing.T, line string) {
	t.Helper()
	if _, err := h.agentOut.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to inject line: %v", err)
	}
}

func (h *connHarness) nextUnit(t *testing.T) sinkUnit {
	t.Helper()
	select {
	case u := <-h.units:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline unit")
		return sinkUnit{}
	}
}

// TestStartTurnResponseCorrelation verifies the request context is registered
// before the request hits the wire: a response arriving immediately after the
// write must still find its pending entry.
func TestStartTurnResponseCorrelation(t *testing.T) {
	h := newConnHarness(t, Options{}, nil)

	go func() {
		_, _ = h.conn.StartTurn(context.Background(), "int-1", &appserver.TurnStartParams{
			ThreadID: "thread-1",
			Input:    []appserver.UserInput{{Type: "text", Text: "hello"}},
		})
	}()

	sent := h.readSent(t)
	if sent["method"] != appserver.MethodTurnStart {
		t.Fatalf("expected turn/start, got %v", sent["method"])
	}
	id := int64(sent["id"].(float64))

	// Answer on the very next read-loop iteration.
	resp, _ := json.Marshal(map[string]any{
		"id":     id,
		"result": map[string]any{"turn": map[string]any{"id": "turn-1", "status": "inProgress"}},
	})
	h.inject(t, string(resp))

	u := h.nextUnit(t)
	ru, ok := u.unit.(*ResponseUnit)
	if !ok {
		t.Fatalf("expected ResponseUnit, got %T", u.unit)
	}
	if ru.Pending == nil {
		t.Fatal("response arrived without its pending context")
	}
	if ru.Pending.InteractionID != "int-1" {
		t.Errorf("expected interaction int-1, got %q", ru.Pending.InteractionID)
	}
	if u.partition != "thread-1" {
		t.Errorf("expected partition thread-1, got %q", u.partition)
	}
	if h.conn.Requests().Len() != 0 {
		t.Errorf("expected pending entry consumed, %d left", h.conn.Requests().Len())
	}
}

// TestApprovalDeciderPanicDeclines verifies a panicking decider still
// produces exactly one decline response.
func TestApprovalDeciderPanicDeclines(t *testing.T) {
	decider := DeciderFunc(func(context.Context, *protocol.Event) string {
		panic("policy blew up")
	})
	h := newConnHarness(t, Options{}, decider)

	h.inject(t, `{"id":"req-1","method":"`+appserver.RequestCmdExecApproval+`","params":{"threadId":"thread-1","command":["rm","-rf","scratch"]}}`)

	sent := h.readSent(t)
	if sent["id"] != "req-1" {
		t.Fatalf("expected response to req-1, got %v", sent["id"])
	}
	result, ok := sent["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v", sent["result"])
	}
	if result["decision"] != appserver.DecisionDecline {
		t.Errorf("expected decline, got %v", result["decision"])
	}

	u := h.nextUnit(t)
	eu, ok := u.unit.(*EventUnit)
	if !ok || eu.Event.Kind != protocol.KindApprovalRequested {
		t.Fatalf("expected approval event unit, got %#v", u.unit)
	}

	// The next outbound line must be new traffic, not a second response.
	go func() {
		_, _ = h.conn.StartTurn(context.Background(), "int-1", &appserver.TurnStartParams{ThreadID: "thread-1"})
	}()
	sent = h.readSent(t)
	if sent["method"] != appserver.MethodTurnStart {
		t.Fatalf("expected exactly one approval response, then turn/start; got %v", sent)
	}
}

// TestThreadStartAppliesLaunchDefaults verifies configured model, approval
// policy and sandbox mode reach the wire when the caller leaves them unset.
func TestThreadStartAppliesLaunchDefaults(t *testing.T) {
	h := newConnHarness(t, Options{
		ApprovalPolicy: "never",
		Model:          "gpt-5",
		SandboxMode:    "workspace-write",
	}, nil)

	type startResult struct {
		thread *appserver.Thread
		err    error
	}
	results := make(chan startResult, 1)
	go func() {
		th, err := h.conn.StartThread(context.Background(), nil)
		results <- startResult{th, err}
	}()

	sent := h.readSent(t)
	if sent["method"] != appserver.MethodThreadStart {
		t.Fatalf("expected thread/start, got %v", sent["method"])
	}
	params := sent["params"].(map[string]any)
	if params["model"] != "gpt-5" {
		t.Errorf("expected model on the wire, got %v", params["model"])
	}
	if params["approvalPolicy"] != "never" {
		t.Errorf("expected approval policy on the wire, got %v", params["approvalPolicy"])
	}
	sandbox, ok := params["sandboxPolicy"].(map[string]any)
	if !ok || sandbox["type"] != "workspace-write" {
		t.Errorf("expected sandbox policy on the wire, got %v", params["sandboxPolicy"])
	}

	id := int64(sent["id"].(float64))
	resp, _ := json.Marshal(map[string]any{
		"id":     id,
		"result": map[string]any{"thread": map[string]any{"id": "th-1"}},
	})
	h.inject(t, string(resp))

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("StartThread failed: %v", r.err)
		}
		if r.thread.ID != "th-1" {
			t.Errorf("unexpected thread id %q", r.thread.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for StartThread to return")
	}
}

// TestHandshakeFailsFastOnExit verifies a subprocess that dies mid-handshake
// fails the handshake immediately instead of waiting out the timeout.
func TestHandshakeFailsFastOnExit(t *testing.T) {
	h := newConnHarness(t, Options{}, nil)

	// The agent never answers; drain its stdin so writes do not block.
	go func() {
		for h.agentIn.Scan() {
		}
	}()

	h.conn.doneOnce.Do(func() {
		h.conn.exitErr = errors.New("exit status 1")
		close(h.conn.done)
	})

	start := time.Now()
	err := h.conn.handshake(context.Background())
	if err == nil {
		t.Fatal("expected handshake error after agent exit")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("handshake waited %v instead of failing fast", elapsed)
	}
}
