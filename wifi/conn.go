// Package wifi implements the stream transport: a single TCP connection to the
// camera's command port over its WiFi access point.
package wifi

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hypoxic/insta360-ble-api/camlink"
	"github.com/hypoxic/insta360-ble-api/logger"
)

// readBufSize is the size of each read from the TCP socket. A read may return
// any prefix of this, including parts of several frames; the session's
// reassembler restores frame boundaries.
const readBufSize = 4096

// Transport is a stream transport over TCP. It delivers bytes in order with no
// chunk boundaries of its own.
//
// Send is safe for concurrent use; Connect, Recv and Close must be driven by a
// single session.
type Transport struct {
	host         string
	port         int
	writeTimeout time.Duration
	logger       logger.Logger

	writeMu sync.Mutex
	conn    net.Conn
	closed  atomic.Bool
}

// New creates an unconnected stream transport targeting the host and port in cfg.
func New(cfg *camlink.Config) *Transport {
	return &Transport{
		host:         cfg.Host(),
		port:         cfg.Port(),
		writeTimeout: cfg.WriteTimeout(),
		logger:       cfg.Logger(),
	}
}

// Connect dials the camera's TCP command port, honoring the deadline of ctx.
func (t *Transport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return camlink.ErrConnectionClosed
	}
	if t.conn != nil {
		return fmt.Errorf("%w: already connected", camlink.ErrConnectFailed)
	}

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))

	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s", camlink.ErrConnectFailed, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	t.conn = conn
	t.logger.Debug("tcp link established", "remote", conn.RemoteAddr().String())

	return nil
}

// Send writes p to the socket in one call sequence. net.Conn handles short
// writes internally, so a nil error means the whole buffer was written.
func (t *Transport) Send(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() || t.conn == nil {
		return camlink.ErrConnectionClosed
	}

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}

	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("%w: %s", camlink.ErrWriteFailed, err)
	}

	return nil
}

// Recv blocks on the socket and returns the next batch of bytes, up to 4 KiB.
func (t *Transport) Recv() ([]byte, error) {
	if t.conn == nil {
		return nil, camlink.ErrConnectionClosed
	}

	buf := make([]byte, readBufSize)

	n, err := t.conn.Read(buf)
	if err != nil {
		if t.closed.Load() {
			return nil, camlink.ErrConnectionClosed
		}

		return nil, err
	}

	return buf[:n], nil
}

// Close shuts the socket down. It is idempotent; closing an unconnected
// transport is a no-op.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Debug("tcp close failed", "error", err)
		}
	}

	return nil
}

// Info describes the transport endpoint.
func (t *Transport) Info() string {
	return "tcp://" + net.JoinHostPort(t.host, strconv.Itoa(t.port))
}
