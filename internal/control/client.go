package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/peterje/muxhost/internal/pty"
	"github.com/peterje/muxhost/internal/sidecar"
)

// Client talks to a running host. It is safe for concurrent use; each call
// opens its own stream.
type Client struct {
	session *yamux.Session
}

// Dial connects to the host's control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to host: %w", err)
	}
	return NewClient(conn)
}

// NewClient starts a client session over an established transport.
func NewClient(conn io.ReadWriteCloser) (*Client, error) {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	session, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	return &Client{session: session}, nil
}

func (c *Client) Close() error {
	return c.session.Close()
}

// Do sends one request and waits for its response. Host-side failures come
// back as *RemoteError.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	req.ID = uuid.NewString()

	stream, err := c.session.OpenStream()
	if err != nil {
		return Response{}, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	deadline := time.Now().Add(streamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	if err := writeFrame(stream, frameRequest, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := readFrame(stream, frameResponse, &resp); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	return resp, resp.err()
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Command: CmdPing})
	return err
}

func (c *Client) Create(ctx context.Context) (uint32, error) {
	resp, err := c.Do(ctx, Request{Command: CmdCreate})
	return resp.SessionID, err
}

func (c *Client) Write(ctx context.Context, id uint32, data []byte) error {
	_, err := c.Do(ctx, Request{Command: CmdWrite, SessionID: id, Data: data})
	return err
}

func (c *Client) Read(ctx context.Context, id uint32) ([]byte, error) {
	resp, err := c.Do(ctx, Request{Command: CmdRead, SessionID: id})
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return []byte{}, nil
	}
	return resp.Data, nil
}

func (c *Client) Resize(ctx context.Context, id uint32, cols, rows uint16) error {
	_, err := c.Do(ctx, Request{Command: CmdResize, SessionID: id, Cols: cols, Rows: rows})
	return err
}

func (c *Client) CloseSession(ctx context.Context, id uint32) error {
	_, err := c.Do(ctx, Request{Command: CmdClose, SessionID: id})
	return err
}

func (c *Client) List(ctx context.Context) ([]pty.SessionInfo, error) {
	resp, err := c.Do(ctx, Request{Command: CmdList})
	return resp.Sessions, err
}

func (c *Client) Spawn(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Command: CmdSpawn})
	return err
}

func (c *Client) Port(ctx context.Context) (uint16, error) {
	resp, err := c.Do(ctx, Request{Command: CmdPort})
	return resp.Port, err
}

func (c *Client) Health(ctx context.Context) (bool, error) {
	resp, err := c.Do(ctx, Request{Command: CmdHealth})
	return resp.Healthy, err
}

func (c *Client) Terminate(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Command: CmdTerminate})
	return err
}

func (c *Client) Status(ctx context.Context) (sidecar.Status, error) {
	resp, err := c.Do(ctx, Request{Command: CmdStatus})
	if err != nil || resp.Status == nil {
		return sidecar.Status{}, err
	}
	return *resp.Status, nil
}
