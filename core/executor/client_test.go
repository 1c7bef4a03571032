package executor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ai-serving/core/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(cmd protocol.Command, payload []byte) []byte

// serveWorker runs a one-request-per-connection worker on a unix socket
func serveWorker(t *testing.T, handle handlerFunc) Endpoint {
	t.Helper()
	dir, err := os.MkdirTemp("", "rpc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	ep := Endpoint{
		SocketPath: filepath.Join(dir, "worker.sock"),
		ErrorPath:  filepath.Join(dir, "error.txt"),
	}
	ln, err := net.Listen("unix", ep.SocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				body, err := protocol.ReadFrame(conn)
				if err != nil {
					return
				}
				cmd, payload, err := protocol.DecodeRequest(body)
				if err != nil {
					return
				}
				if resp := handle(cmd, payload); resp != nil {
					protocol.WriteFrame(conn, resp)
				}
			}(conn)
		}
	}()

	return ep
}

func testClient() *Client {
	cfg := DefaultClientConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.DefaultTimeout = 2 * time.Second
	cfg.ResponseTimeouts = nil
	return NewClient(cfg, nil)
}

func TestCallReturnsOKPayload(t *testing.T) {
	ep := serveWorker(t, func(cmd protocol.Command, payload []byte) []byte {
		return protocol.EncodeResponse(protocol.StatusOK, append([]byte(string(cmd)+":"), payload...))
	})

	out, err := testClient().Call(context.Background(), ep, protocol.CmdInference, []byte("a\x00b"))
	require.NoError(t, err)
	assert.Equal(t, "INFERENCE:a\x00b", string(out))
}

func TestCallSurfacesWorkerError(t *testing.T) {
	ep := serveWorker(t, func(protocol.Command, []byte) []byte {
		return protocol.EncodeResponse(protocol.StatusErr, []byte("model not loaded"))
	})

	_, err := testClient().Call(context.Background(), ep, protocol.CmdPreprocess, nil)
	var protoErr *protocol.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "model not loaded", err.Error())
}

func TestCallRetriesWithExponentialBackoff(t *testing.T) {
	c := testClient()
	c.cfg.BaseDelay = time.Second

	var waits []time.Duration
	c.wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	ep := Endpoint{SocketPath: filepath.Join(t.TempDir(), "missing.sock")}
	_, err := c.Call(context.Background(), ep, protocol.CmdPreprocess, nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, waits)
}

func TestCallConnectsOnceWorkerStartsListening(t *testing.T) {
	dir, err := os.MkdirTemp("", "rpc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	ep := Endpoint{SocketPath: filepath.Join(dir, "worker.sock")}

	c := testClient()
	var once sync.Once
	c.wait = func(context.Context, time.Duration) error {
		once.Do(func() {
			ln, err := net.Listen("unix", ep.SocketPath)
			require.NoError(t, err)
			t.Cleanup(func() { ln.Close() })
			go func() {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
				if _, err := protocol.ReadFrame(conn); err == nil {
					protocol.WriteFrame(conn, protocol.EncodeResponse(protocol.StatusOK, []byte("ready")))
				}
			}()
		})
		return nil
	}

	out, err := c.Call(context.Background(), ep, protocol.CmdInference, nil)
	require.NoError(t, err)
	assert.Equal(t, "ready", string(out))
}

func TestCallStopsRetryingOnCancel(t *testing.T) {
	c := testClient()
	c.cfg.BaseDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Call(ctx, Endpoint{SocketPath: filepath.Join(t.TempDir(), "missing.sock")}, protocol.CmdPreprocess, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCallPrefersErrorArtifact(t *testing.T) {
	var ep Endpoint
	ep = serveWorker(t, func(protocol.Command, []byte) []byte {
		require.NoError(t, os.WriteFile(ep.ErrorPath, []byte("Traceback: boom\n"), 0644))
		return nil
	})

	_, err := testClient().Call(context.Background(), ep, protocol.CmdInference, nil)
	var protoErr *protocol.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "Traceback: boom", protoErr.Message)
}

func TestCallDroppedConnectionIsConnectionError(t *testing.T) {
	ep := serveWorker(t, func(protocol.Command, []byte) []byte { return nil })

	_, err := testClient().Call(context.Background(), ep, protocol.CmdInference, nil)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ep.SocketPath, connErr.SocketPath)
}

func TestCallResponseTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ep := serveWorker(t, func(protocol.Command, []byte) []byte {
		<-release
		return nil
	})

	c := testClient()
	c.cfg.ResponseTimeouts = map[protocol.Command]time.Duration{protocol.CmdInference: 50 * time.Millisecond}

	_, err := c.Call(context.Background(), ep, protocol.CmdInference, nil)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestStageCalls(t *testing.T) {
	ep := serveWorker(t, func(cmd protocol.Command, payload []byte) []byte {
		switch cmd {
		case protocol.CmdPreprocess:
			paths := protocol.SplitPaths(payload)
			return protocol.EncodeResponse(protocol.StatusOK, []byte(paths[len(paths)-1]))
		case protocol.CmdPostprocess:
			return protocol.EncodeResponse(protocol.StatusOK, []byte("/tmp/result.bin\n"))
		default:
			return protocol.EncodeResponse(protocol.StatusOK, payload)
		}
	})
	c := testClient()
	ctx := context.Background()

	pre, err := c.Preprocess(ctx, ep, []string{"/tmp/ais_1/0.txt", "/tmp/ais_1/1.png"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ais_1/1.png", string(pre))

	inf, err := c.Inference(ctx, ep, pre)
	require.NoError(t, err)
	assert.Equal(t, pre, inf)

	result, err := c.Postprocess(ctx, ep, inf)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/result.bin", result)

	_, err = c.Preprocess(ctx, ep, []string{"bad\x00path"})
	require.ErrorIs(t, err, protocol.ErrSeparatorInPath)
}
