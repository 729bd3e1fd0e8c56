package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// testHarness wires a client to in-memory pipes: the test plays the agent
// side, reading what the client writes and injecting stdout lines.
type testHarness struct {
	client   *Client
	agentIn  *bufio.Scanner // what the client wrote to the agent's stdin
	agentOut io.WriteCloser // the agent's stdout, fed into the read loop
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	c := NewClient(stdinW, stdoutR, logger.Default())
	t.Cleanup(func() {
		c.Stop()
		stdinW.Close()
		stdoutW.Close()
	})

	return &testHarness{
		client:   c,
		agentIn:  bufio.NewScanner(stdinR),
		agentOut: stdoutW,
	}
}

// readSent returns the next line the client wrote, decoded.
func (h *testHarness) readSent(t *testing.T) map[string]any {
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
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

// inject writes one raw line into the client's read loop.
func (h *testHarness) inject(t *testing.T, line string) {
	t.Helper()
	_, err := h.agentOut.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func TestCallRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.client.Start(context.Background())

	type callResult struct {
		resp *Response
		err  error
	}
	results := make(chan callResult, 1)
	go func() {
		resp, err := h.client.Call(context.Background(), MethodThreadStart, &ThreadStartParams{})
		results <- callResult{resp, err}
	}()

	sent := h.readSent(t)
	require.Equal(t, MethodThreadStart, sent["method"])
	require.NotNil(t, sent["id"])
	_, hasVersion := sent["jsonrpc"]
	require.False(t, hasVersion, "dialect omits the jsonrpc field")

	id := int64(sent["id"].(float64))
	h.inject(t, `{"id":`+jsonInt(id)+`,"result":{"thread":{"id":"th_1"}}}`)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.Nil(t, r.resp.Error)
		var result ThreadStartResult
		require.NoError(t, json.Unmarshal(r.resp.Result, &result))
		require.Equal(t, "th_1", result.Thread.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call to return")
	}
}

func TestTriage(t *testing.T) {
	h := newHarness(t)

	notifications := make(chan string, 4)
	h.client.SetNotificationHandler(func(method string, params json.RawMessage) {
		notifications <- method
	})
	h.client.SetRequestHandler(func(id any, method string, params json.RawMessage) {
		require.NoError(t, h.client.SendResponse(id, &ApprovalResponse{Decision: DecisionDecline}, nil))
	})
	responses := make(chan *Response, 1)
	h.client.SetResponseHandler(func(resp *Response) {
		responses <- resp
	})

	h.client.Start(context.Background())

	t.Run("method only is a notification", func(t *testing.T) {
		h.inject(t, `{"method":"thread/started","params":{"threadId":"th_1"}}`)
		select {
		case method := <-notifications:
			require.Equal(t, "thread/started", method)
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	})

	t.Run("id and method is a server request", func(t *testing.T) {
		h.inject(t, `{"id":"req_1","method":"item/requestApproval","params":{}}`)
		sent := h.readSent(t)
		require.Equal(t, "req_1", sent["id"])
		result := sent["result"].(map[string]any)
		require.Equal(t, DecisionDecline, result["decision"])
	})

	t.Run("unmatched response goes to the response handler", func(t *testing.T) {
		h.inject(t, `{"id":42,"result":{"turn":{"id":"turn_1"}}}`)
		select {
		case resp := <-responses:
			require.Equal(t, int64(42), resp.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("response not delivered")
		}
	})

	t.Run("malformed line is dropped, stream continues", func(t *testing.T) {
		h.inject(t, `{"this is not json`)
		h.inject(t, `{"method":"thread/started","params":{}}`)
		select {
		case method := <-notifications:
			require.Equal(t, "thread/started", method)
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not survive malformed line")
		}
	})
}

func TestSplitLineBuffering(t *testing.T) {
	h := newHarness(t)

	notifications := make(chan string, 1)
	h.client.SetNotificationHandler(func(method string, params json.RawMessage) {
		notifications <- method
	})
	h.client.Start(context.Background())

	// The line arrives in two writes; nothing must be delivered until the
	// terminator shows up.
	_, err := h.agentOut.Write([]byte(`{"method":"turn/sta`))
	require.NoError(t, err)
	select {
	case <-notifications:
		t.Fatal("partial line delivered")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = h.agentOut.Write([]byte("rted\",\"params\":{}}\n"))
	require.NoError(t, err)
	select {
	case method := <-notifications:
		require.Equal(t, "turn/started", method)
	case <-time.After(2 * time.Second):
		t.Fatal("completed line not delivered")
	}
}

func TestClosedHandlerOnEOF(t *testing.T) {
	h := newHarness(t)

	closed := make(chan error, 1)
	h.client.SetClosedHandler(func(err error) {
		closed <- err
	})
	h.client.Start(context.Background())

	require.NoError(t, h.agentOut.Close())
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("closed handler not invoked")
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
