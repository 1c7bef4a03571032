package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"ai-serving/core/protocol"
)

// Endpoint addresses one worker: its socket and the error artifact it leaves behind on a fatal failure
type Endpoint struct {
	SocketPath string
	ErrorPath  string
}

// ConnectionError means the worker could not be reached or the exchange broke off
type ConnectionError struct {
	SocketPath string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("worker connection %s: %v", e.SocketPath, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ClientConfig holds the RPC client settings
type ClientConfig struct {
	Attempts         int
	BaseDelay        time.Duration
	DialTimeout      time.Duration
	ResponseTimeouts map[protocol.Command]time.Duration
	DefaultTimeout   time.Duration
}

// DefaultClientConfig returns the production settings: 3 attempts waiting 1s, 2s and 4s
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Attempts:    3,
		BaseDelay:   time.Second,
		DialTimeout: 5 * time.Second,
		ResponseTimeouts: map[protocol.Command]time.Duration{
			protocol.CmdPreprocess:  10 * time.Minute,
			protocol.CmdInference:   30 * time.Minute,
			protocol.CmdPostprocess: 10 * time.Minute,
		},
		DefaultTimeout: 10 * time.Minute,
	}
}

// Client performs one request/response exchange per call over a worker's unix socket
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	dial func(ctx context.Context, socketPath string) (net.Conn, error)
	wait func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new RPC client
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{cfg: cfg, logger: logger, wait: sleepContext}
	c.dial = func(ctx context.Context, socketPath string) (net.Conn, error) {
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		return d.DialContext(ctx, "unix", socketPath)
	}
	return c
}

// Call sends cmd with payload and returns the OK payload.
// Worker-reported failures come back as *protocol.ProtocolError, transport failures as *ConnectionError.
func (c *Client) Call(ctx context.Context, ep Endpoint, cmd protocol.Command, payload []byte) ([]byte, error) {
	conn, err := c.connect(ctx, ep.SocketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// A cancelled context unblocks any pending read or write
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(c.responseTimeout(cmd))); err != nil {
		return nil, &ConnectionError{SocketPath: ep.SocketPath, Err: err}
	}

	if err := protocol.WriteFrame(conn, protocol.EncodeRequest(cmd, payload)); err != nil {
		return nil, c.exchangeFailure(ctx, ep, err)
	}

	body, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, c.exchangeFailure(ctx, ep, err)
	}

	return protocol.DecodeResponse(body)
}

func (c *Client) connect(ctx context.Context, socketPath string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		conn, err := c.dial(ctx, socketPath)
		if err == nil {
			return conn, nil
		}
		if !retryableDialError(err) {
			return nil, &ConnectionError{SocketPath: socketPath, Err: err}
		}
		lastErr = err

		delay := c.cfg.BaseDelay << attempt
		c.logger.Warn("worker not reachable, retrying",
			"socket", socketPath,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := c.wait(ctx, delay); err != nil {
			return nil, &ConnectionError{SocketPath: socketPath, Err: err}
		}
	}

	return nil, &ConnectionError{
		SocketPath: socketPath,
		Err:        fmt.Errorf("gave up after %d attempts: %w", c.cfg.Attempts, lastErr),
	}
}

// exchangeFailure prefers the worker's own diagnostic over the transport error
func (c *Client) exchangeFailure(ctx context.Context, ep Endpoint, err error) error {
	if ep.ErrorPath != "" {
		if data, readErr := os.ReadFile(ep.ErrorPath); readErr == nil {
			return &protocol.ProtocolError{Message: strings.TrimRight(string(data), "\n")}
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &ConnectionError{SocketPath: ep.SocketPath, Err: err}
}

func (c *Client) responseTimeout(cmd protocol.Command) time.Duration {
	if d, ok := c.cfg.ResponseTimeouts[cmd]; ok && d > 0 {
		return d
	}
	if c.cfg.DefaultTimeout > 0 {
		return c.cfg.DefaultTimeout
	}
	return 10 * time.Minute
}

// retryableDialError reports whether the worker may simply not be listening yet
func retryableDialError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
