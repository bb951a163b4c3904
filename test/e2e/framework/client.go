package framework

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"
)

// DefaultReplyTimeout is how long Request waits for an answer.
const DefaultReplyTimeout = 2 * time.Second

// Client is a UDP client connected to a test server.
type Client struct {
	t    testing.TB
	conn *net.UDPConn
}

// NewClient dials addr. The connection is closed when the test ends.
func NewClient(t testing.TB, addr string) *Client {
	t.Helper()

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("Failed to resolve %s: %v", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &Client{t: t, conn: conn}
}

// Request sends payload and returns the first reply.
func (c *Client) Request(payload string) string {
	c.t.Helper()

	reply, err := c.RequestTimeout(payload, DefaultReplyTimeout)
	if err != nil {
		c.t.Fatalf("Request %q failed: %v", payload, err)
	}
	return reply
}

// RequestTimeout sends payload and waits up to timeout for a reply.
func (c *Client) RequestTimeout(payload string, timeout time.Duration) (string, error) {
	if _, err := c.conn.Write([]byte(payload)); err != nil {
		return "", err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}

	buf := make([]byte, 64*1024)
	n, err := c.conn.Read(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// ExpectNoReply sends payload and fails the test if anything comes back
// within wait.
func (c *Client) ExpectNoReply(payload string, wait time.Duration) {
	c.t.Helper()

	reply, err := c.RequestTimeout(payload, wait)
	if err == nil {
		c.t.Fatalf("Expected no reply to %q, got %q", payload, reply)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		c.t.Fatalf("Expected a read timeout for %q, got %v", payload, err)
	}
}
