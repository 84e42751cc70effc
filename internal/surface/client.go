package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrNoSource is returned when a decode is requested before any source was
// selected.
var ErrNoSource = errors.New("no audio source selected")

// ErrNoLocalWorker is returned for a local-file source when this node runs no
// decode worker. Blob locators only resolve inside the process that made them.
var ErrNoLocalWorker = errors.New("local files need a decode worker on this node")

// Client sends decode requests to the worker over the bus.
type Client struct {
	conn      *nats.Conn
	timeout   time.Duration
	localNode string
}

// NewClient returns a client that waits up to timeout for a reply when the
// caller's context carries no deadline. localNode names the node whose worker
// shares this process's blob registry; empty means there is none.
func NewClient(conn *nats.Conn, timeout time.Duration, localNode string) *Client {
	return &Client{conn: conn, timeout: timeout, localNode: localNode}
}

// AcceptsUploads reports whether local-file sources can be decoded.
func (c *Client) AcceptsUploads() bool {
	return c.localNode != ""
}

func (c *Client) subject(src Source) (string, error) {
	if src.Origin != OriginLocalFile {
		return protocol.SubjectDecodeRequest, nil
	}
	if c.localNode == "" {
		return "", ErrNoLocalWorker
	}
	return protocol.SubjectNodeDecodeRequest(c.localNode), nil
}

// RequestDecode sends one request for src and waits for its terminal result.
// Worker-side failures come back as results with a non-complete status; the
// error is reserved for transport failures.
func (c *Client) RequestDecode(ctx context.Context, src Source) (protocol.DecodeResult, error) {
	if src.Locator == "" {
		return protocol.DecodeResult{}, ErrNoSource
	}
	subject, err := c.subject(src)
	if err != nil {
		return protocol.DecodeResult{}, err
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req := protocol.DecodeRequest{RequestID: uuid.NewString(), AudioSource: src.Locator}
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.DecodeResult{}, err
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return protocol.DecodeResult{}, fmt.Errorf("decode request %s: %w", req.RequestID, err)
	}
	var res protocol.DecodeResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return protocol.DecodeResult{}, fmt.Errorf("decode reply %s: %w", req.RequestID, err)
	}
	return res, nil
}
