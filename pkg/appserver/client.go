package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// Client speaks the app-server JSON-RPC dialect over stdin/stdout streams.
// A single read loop frames stdout into lines and triages every decoded
// message into one of three paths: responses (matched to a pending Call or
// handed to the response handler), server-initiated requests (handled
// synchronously in the read-loop goroutine so the reply is written before
// any later inbound message is processed), and notifications.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[any]chan *Response
	mu        sync.Mutex

	writeMu sync.Mutex

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id any, method string, params json.RawMessage)
	onResponse     func(resp *Response)
	onClosed       func(err error)

	logger *logger.Logger
	done   chan struct{}
	once   sync.Once
}

// NewClient creates a client over the given subprocess pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[any]chan *Response),
		logger:  log.WithFields(zap.String("component", "appserver-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications.
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for server-initiated requests. The
// handler runs on the read-loop goroutine and must send a response via
// SendResponse before returning; the agent blocks until it arrives.
func (c *Client) SetRequestHandler(handler func(id any, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// SetResponseHandler sets the handler for responses whose correlation id is
// not owned by a blocking Call (i.e. fire-and-forget Send traffic).
func (c *Client) SetResponseHandler(handler func(resp *Response)) {
	c.onResponse = handler
}

// SetClosedHandler sets the callback invoked once when the read loop ends,
// with the scanner error (nil on clean EOF).
func (c *Client) SetClosedHandler(handler func(err error)) {
	c.onClosed = handler
}

// Start begins the read loop.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client. Safe to call more than once.
func (c *Client) Stop() {
	c.once.Do(func() { close(c.done) })
}

// NextID reserves a fresh correlation id.
func (c *Client) NextID() int64 {
	return c.requestID.Add(1)
}

// Call sends a request and blocks until the matching response arrives.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	id := c.requestID.Add(1)
	return c.CallWithID(ctx, id, method, params)
}

// CallWithID is Call with a caller-reserved correlation id.
func (c *Client) CallWithID(ctx context.Context, id int64, method string, params any) (*Response, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// SendWithID writes a correlated request without waiting; the response is
// later delivered to the response handler. The id must come from NextID, and
// any correlation state keyed on it must be registered before calling: the
// response can arrive the moment the line is written.
func (c *Client) SendWithID(id int64, method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Request{ID: id, Method: method, Params: paramsJSON})
}

// Notify sends a notification (no correlation id, no response).
func (c *Client) Notify(method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse answers a server-initiated request.
func (c *Client) SendResponse(id any, result any, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: respErr})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	// One writer at a time keeps lines from interleaving.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

// readLoop frames stdout into newline-terminated lines. The framing is
// line-delimited JSON with no length prefix, so incomplete lines must be
// buffered until the terminator arrives; bufio.Scanner does exactly that.
func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024) // large diffs arrive as single lines

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("dropping malformed line", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""

		switch {
		case hasID && !hasMethod && (msg.Result != nil || msg.Error != nil):
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod:
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		default:
			c.logger.Warn("dropping message with neither method nor result")
		}
	}

	err := scanner.Err()
	if err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
	if c.onClosed != nil {
		c.onClosed(err)
	}
}

func (c *Client) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- resp
		return
	}
	if c.onResponse != nil {
		c.onResponse(&Response{ID: id, Result: resp.Result, Error: resp.Error})
		return
	}
	c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
}

// normalizeID maps JSON numbers back to int64 so they match the ids we
// allocate. String ids pass through untouched.
func normalizeID(id any) any {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (c *Client) handleRequest(id any, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("received request but no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: CodeMethodNotFound, Message: "method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}
