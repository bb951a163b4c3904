package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultReplyCapacity is the reply buffer size when none is configured.
const DefaultReplyCapacity = 1024

var (
	// ErrReplyTooLarge is returned by Write when the reply would exceed the
	// buffer capacity. Nothing is written in that case.
	ErrReplyTooLarge = errors.New("reply exceeds buffer capacity")

	// ErrClosed is returned by operations on a released context.
	ErrClosed = errors.New("connection context closed")
)

// ReplyWriter sends reply datagrams. *net.UDPConn satisfies it.
type ReplyWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// ContextConfig carries everything needed to build a Context.
type ContextConfig struct {
	// Writer sends replies, normally the listening socket.
	Writer ReplyWriter

	// Handle is the tracked ownership token released by Close and Abort.
	Handle io.Closer

	// Payload is the received datagram. The context does not copy it.
	Payload []byte

	// Sender is where replies go.
	Sender *net.UDPAddr

	// ID identifies the exchange in logs. Zero means generate a new one.
	ID uuid.UUID

	// ReceivedAt is when the datagram was read. Zero means now.
	ReceivedAt time.Time

	// Deadline is when the exchange should be finished.
	Deadline time.Time

	// ReplyCapacity is the reply buffer size. 0 means DefaultReplyCapacity.
	ReplyCapacity int

	// Attributes seeds the attribute bag, shared across passes of a recycled exchange.
	Attributes map[string]any

	// Pass is 0 for the first traversal and grows with each recycle.
	Pass int

	// Recycle resubmits the exchange for another traversal. Nil disables recycling.
	Recycle func() bool

	// OnReply is told the size of each datagram sent.
	OnReply func(n int)
}

// Context is one inbound datagram and its outbound reply.
//
// The request side (payload, sender, parsed URI view) is read-only and safe to
// read from several goroutines. The reply buffer and the attribute bag are
// guarded, so a detached stage may keep using the context after the worker
// that created it has moved on.
type Context struct {
	id         uuid.UUID
	payload    []byte
	sender     *net.UDPAddr
	receivedAt time.Time
	deadline   time.Time
	pass       int

	writer  ReplyWriter
	handle  io.Closer
	recycle func() bool
	onReply func(int)

	parseOnce sync.Once
	path      string
	rawQuery  string
	params    url.Values
	parseErr  error

	attrMu sync.RWMutex
	attrs  map[string]any

	replyMu   sync.Mutex
	reply     []byte
	committed atomic.Bool

	released atomic.Bool
}

// NewContext builds a Context. Writer, Handle and Sender are required.
func NewContext(cfg ContextConfig) (*Context, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("connection context: reply writer is required")
	}
	if cfg.Handle == nil {
		return nil, fmt.Errorf("connection context: handle is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("connection context: sender address is required")
	}

	id := cfg.ID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV7(); err != nil {
			return nil, fmt.Errorf("connection context: generate id: %w", err)
		}
	}

	capacity := cfg.ReplyCapacity
	if capacity <= 0 {
		capacity = DefaultReplyCapacity
	}

	receivedAt := cfg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	attrs := cfg.Attributes
	if attrs == nil {
		attrs = make(map[string]any)
	}

	return &Context{
		id:         id,
		payload:    cfg.Payload,
		sender:     cfg.Sender,
		receivedAt: receivedAt,
		deadline:   cfg.Deadline,
		pass:       cfg.Pass,
		writer:     cfg.Writer,
		handle:     cfg.Handle,
		recycle:    cfg.Recycle,
		onReply:    cfg.OnReply,
		attrs:      attrs,
		reply:      make([]byte, 0, capacity),
	}, nil
}

// ID returns the exchange identifier.
func (c *Context) ID() uuid.UUID { return c.id }

// Payload returns the raw datagram. Callers must not modify it.
func (c *Context) Payload() []byte { return c.payload }

// Sender returns the client address.
func (c *Context) Sender() *net.UDPAddr { return c.sender }

// ReceivedAt returns when the datagram was read.
func (c *Context) ReceivedAt() time.Time { return c.receivedAt }

// Deadline returns when the exchange should be finished.
func (c *Context) Deadline() time.Time { return c.deadline }

// Pass returns how many times the exchange has been recycled.
func (c *Context) Pass() int { return c.pass }

// Recycled reports whether this traversal comes from a recycle.
func (c *Context) Recycled() bool { return c.pass > 0 }

// URI view
//
// The first payload line is read as a request URI: "/kv/get?key=a" gives
// path "/kv/get" and parameter key=a. A missing leading slash is added, so
// "ping" and "/ping" are the same path.

func (c *Context) parse() {
	c.parseOnce.Do(func() {
		line := c.payload
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		raw := strings.TrimSpace(string(line))
		if raw == "" {
			c.path = "/"
			c.params = url.Values{}
			return
		}

		u, err := url.ParseRequestURI(ensureSlash(raw))
		if err != nil {
			c.parseErr = err
			c.path = "/"
			c.params = url.Values{}
			return
		}
		c.path = u.Path
		c.rawQuery = u.RawQuery
		c.params, c.parseErr = url.ParseQuery(u.RawQuery)
		if c.params == nil {
			c.params = url.Values{}
		}
	})
}

func ensureSlash(s string) string {
	if strings.HasPrefix(s, "/") {
		return s
	}
	return "/" + s
}

// Path returns the request path of the first payload line.
func (c *Context) Path() string {
	c.parse()
	return c.path
}

// RawQuery returns the undecoded query string.
func (c *Context) RawQuery() string {
	c.parse()
	return c.rawQuery
}

// Params returns the decoded query parameters. The map is shared; do not modify it.
func (c *Context) Params() url.Values {
	c.parse()
	return c.params
}

// Param returns the first value of the named query parameter.
func (c *Context) Param(name string) string {
	return c.Params().Get(name)
}

// ParseError returns the error hit while parsing the URI view, if any.
func (c *Context) ParseError() error {
	c.parse()
	return c.parseErr
}

// Attributes

// Attribute returns the value stored under key.
func (c *Context) Attribute(key string) (any, bool) {
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Attributes returns a copy of the attribute bag.
func (c *Context) Attributes() map[string]any {
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	return maps.Clone(c.attrs)
}

// SetAttribute stores value under key.
func (c *Context) SetAttribute(key string, value any) {
	c.attrMu.Lock()
	c.attrs[key] = value
	c.attrMu.Unlock()
}

// RemoveAttribute deletes key.
func (c *Context) RemoveAttribute(key string) {
	c.attrMu.Lock()
	delete(c.attrs, key)
	c.attrMu.Unlock()
}

// Reply buffer

// Write appends p to the pending reply. It fails with ErrReplyTooLarge
// rather than growing past the configured capacity.
func (c *Context) Write(p []byte) (int, error) {
	if c.released.Load() {
		return 0, ErrClosed
	}

	c.replyMu.Lock()
	defer c.replyMu.Unlock()

	if len(c.reply)+len(p) > cap(c.reply) {
		return 0, ErrReplyTooLarge
	}
	c.reply = append(c.reply, p...)
	return len(p), nil
}

// WriteString appends s to the pending reply.
func (c *Context) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

// Pending returns a copy of the unsent reply bytes.
func (c *Context) Pending() []byte {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()
	return append([]byte(nil), c.reply...)
}

// ResetReply drops the unsent reply bytes.
func (c *Context) ResetReply() {
	c.replyMu.Lock()
	c.reply = c.reply[:0]
	c.replyMu.Unlock()
}

// ReplyCapacity returns the reply buffer size.
func (c *Context) ReplyCapacity() int {
	return cap(c.reply)
}

// Send flushes the pending reply to the sender as one datagram and marks the
// context committed. Sending with nothing pending is a no-op.
func (c *Context) Send() error {
	if c.released.Load() {
		return ErrClosed
	}

	c.replyMu.Lock()
	defer c.replyMu.Unlock()
	return c.sendLocked()
}

func (c *Context) sendLocked() error {
	if len(c.reply) == 0 {
		return nil
	}

	n, err := c.writer.WriteToUDP(c.reply, c.sender)
	if err != nil {
		return fmt.Errorf("send reply to %s: %w", c.sender, err)
	}
	c.reply = c.reply[:0]
	c.committed.Store(true)
	if c.onReply != nil {
		c.onReply(n)
	}
	return nil
}

// Committed reports whether reply bytes have been sent.
func (c *Context) Committed() bool {
	return c.committed.Load()
}

// Lifecycle

// Recycle resubmits the exchange for another traversal of the pipeline with
// the recycled-work read timeout. A stage that recycles must return true so
// the handle stays open. Returns false if recycling is unavailable or the
// recycled queue refused the exchange, in which case the exchange has already
// been cancelled.
func (c *Context) Recycle() bool {
	if c.recycle == nil || c.released.Load() {
		return false
	}
	return c.recycle()
}

// Close flushes any pending reply and releases the handle. Only the first of
// Close and Abort has any effect.
func (c *Context) Close() error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}

	c.replyMu.Lock()
	sendErr := c.sendLocked()
	c.replyMu.Unlock()

	return errors.Join(sendErr, c.handle.Close())
}

// Abort releases the handle without sending pending reply bytes.
func (c *Context) Abort() error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	c.ResetReply()
	return c.handle.Close()
}

// Released reports whether Close or Abort has run.
func (c *Context) Released() bool {
	return c.released.Load()
}

func (c *Context) String() string {
	return fmt.Sprintf("%s from %s (%d bytes)", c.id, c.sender, len(c.payload))
}
