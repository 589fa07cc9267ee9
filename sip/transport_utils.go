package sip

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/log"
)

const logDataMax = 1000

type closeOnceListener struct {
	net.Listener
	once sync.Once
	err  error
}

func (l *closeOnceListener) Close() error {
	l.once.Do(func() { l.err = l.Listener.Close() })
	return errtrace.Wrap(l.err)
}

type closeOncePacketConn struct {
	net.PacketConn
	once sync.Once
	err  error
}

func (c *closeOncePacketConn) Close() error {
	c.once.Do(func() { c.err = c.PacketConn.Close() })
	return errtrace.Wrap(c.err)
}

type closeOnceConn struct {
	net.Conn
	once sync.Once
	err  error
}

func (c *closeOnceConn) Close() error {
	c.once.Do(func() { c.err = c.Conn.Close() })
	return errtrace.Wrap(c.err)
}

// logPacketConn traces datagrams at debug level.
type logPacketConn struct {
	net.PacketConn
	log *slog.Logger
}

func newLogPacketConn(c net.PacketConn, logger *slog.Logger) *logPacketConn {
	return &logPacketConn{PacketConn: c, log: logger}
}

func (c *logPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(b)
	if err != nil {
		return n, addr, errtrace.Wrap(err)
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "datagram received",
		slog.Any("local_addr", c.LocalAddr()),
		slog.Any("remote_addr", addr),
		slog.Int("size", n),
		slog.Any("data", log.BytesValue(b[:n], logDataMax)),
	)
	return n, addr, nil
}

func (c *logPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.PacketConn.WriteTo(b, addr)
	if err != nil {
		return n, errtrace.Wrap(err)
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "datagram sent",
		slog.Any("local_addr", c.LocalAddr()),
		slog.Any("remote_addr", addr),
		slog.Int("size", n),
		slog.Any("data", log.BytesValue(b[:n], logDataMax)),
	)
	return n, nil
}

// logConn traces stream writes and the connection close at debug level.
// Reads are traced per message by the reader.
type logConn struct {
	net.Conn
	log *slog.Logger
}

func newLogConn(c net.Conn, logger *slog.Logger) *logConn {
	return &logConn{Conn: c, log: logger}
}

func (c *logConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		return n, errtrace.Wrap(err)
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "stream data sent",
		slog.Any("local_addr", c.LocalAddr()),
		slog.Any("remote_addr", c.RemoteAddr()),
		slog.Int("size", n),
		slog.Any("data", log.BytesValue(b[:n], logDataMax)),
	)
	return n, nil
}

func (c *logConn) Close() error {
	err := c.Conn.Close()
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "connection closed",
		slog.Any("local_addr", c.LocalAddr()),
		slog.Any("remote_addr", c.RemoteAddr()),
		slog.Any("error", err),
	)
	return errtrace.Wrap(err)
}
