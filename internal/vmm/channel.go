package vmm

import "net"

// netControlChannel wraps a net.Conn (TCP for the process backend, vsock
// for a real hypervisor backend) and satisfies ControlChannel by doing
// nothing but exposing the connection — all framing lives in
// internal/wire so every backend speaks the same wire format.
type netControlChannel struct {
	conn net.Conn
}

// NewNetControlChannel wraps an already-established connection to a guest.
func NewNetControlChannel(conn net.Conn) ControlChannel {
	return &netControlChannel{conn: conn}
}

func (c *netControlChannel) Conn() net.Conn { return c.conn }

func (c *netControlChannel) Close() error { return c.conn.Close() }
