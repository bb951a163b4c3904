package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/tracker"
)

// Error classes logged at debug level: expected on a busy UDP socket.
const (
	classConnReset   = "ECONNRESET"
	classConnRefused = "ECONNREFUSED"
	classPanic       = "panic"
)

// closedBackoff is how long the loop waits between reads on a socket that
// was closed without stopping the loop.
const closedBackoff = 100 * time.Millisecond

// datagramConn is what the accept loop needs from the socket.
type datagramConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
}

// acceptLoop owns the read side of the listening socket for one generation.
//
// It never returns on its own: read errors, rejected work and panics,
// including panics raised while logging them, are absorbed and the loop
// reads again. It exits only when stop is called.
type acceptLoop struct {
	conn    datagramConn
	gen     *generation
	tracker *tracker.Tracker

	// log is indirected so the loop can survive a failing log path.
	log func(level logger.Level, format string, v ...any)

	cancel context.CancelFunc
	done   chan struct{}
}

func newAcceptLoop(conn datagramConn, gen *generation, t *tracker.Tracker) *acceptLoop {
	return &acceptLoop{
		conn:    conn,
		gen:     gen,
		tracker: t,
		log:     logAt,
		done:    make(chan struct{}),
	}
}

func logAt(level logger.Level, format string, v ...any) {
	switch level {
	case logger.LevelDebug:
		logger.Debug(format, v...)
	case logger.LevelInfo:
		logger.Info(format, v...)
	case logger.LevelWarn:
		logger.Warn(format, v...)
	default:
		logger.Error(format, v...)
	}
}

// start runs the loop on its own goroutine.
func (l *acceptLoop) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

// stop interrupts the loop and waits for it to exit. The blocked read is
// released by moving the read deadline to now.
func (l *acceptLoop) stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	_ = l.conn.SetReadDeadline(time.Now())
	<-l.done
}

func (l *acceptLoop) run(ctx context.Context) {
	defer close(l.done)

	// Go has no thread priorities; pinning keeps the loop off the shared
	// scheduler threads so a burst of workers cannot starve it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	startedTracker := l.gen.cfg.ReportSockets && l.tracker != nil && l.tracker.Start()

	addr := l.conn.LocalAddr().String()
	l.safeLog(logger.LevelDebug, "UDP accept loop started on %s", addr)

	for ctx.Err() == nil {
		l.iterate(ctx)
	}

	l.safeLog(logger.LevelInfo, "UDP accept loop on %s exiting", addr)
	if startedTracker {
		l.tracker.Stop()
	}
}

// iterate reads and dispatches one datagram.
func (l *acceptLoop) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.gen.counters.readErrors.Add(1)
			l.safeRecordReadError(classPanic)
			l.safeLog(logger.LevelError, "UDP accept loop recovered from panic: %v", r)
			runtime.Gosched()
		}
	}()

	buf := make([]byte, l.gen.cfg.datagramBufferSize())
	if err := l.conn.SetReadDeadline(time.Now().Add(l.gen.cfg.newReadTimeout())); err != nil {
		l.onReadError(ctx, err)
		return
	}

	n, sender, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		l.onReadError(ctx, err)
		return
	}

	receivedAt := time.Now()
	l.gen.counters.datagrams.Add(1)
	l.gen.metrics.RecordDatagram(n)

	t := newTransaction(l.gen, l.conn, buf[:n], sender, l.tracker.Track(nil), receivedAt)
	if !l.gen.fresh.Enqueue(t) {
		t.Cancel()
		l.gen.recordRejected(queueNew)
		l.safeLog(logger.LevelDebug, "UDP: work queue full, dropping datagram from %s", sender)
	}
}

// onReadError logs a failed read at a severity matching its class, then
// yields.
func (l *acceptLoop) onReadError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		// Interrupted by stop.
		return
	}

	l.gen.counters.readErrors.Add(1)

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, os.ErrDeadlineExceeded):
		l.gen.metrics.RecordReadError(errclass.ETIMEDOUT)
		l.safeLog(logger.LevelDebug, "UDP read timeout on %s: %v", l.conn.LocalAddr(), err)
		return

	case errors.Is(err, net.ErrClosed):
		l.gen.metrics.RecordReadError("ECLOSED")
		l.safeLog(logger.LevelWarn, "UDP socket %s closed under the accept loop", l.conn.LocalAddr())
		select {
		case <-ctx.Done():
		case <-time.After(closedBackoff):
		}
		return
	}

	class := errclass.New(err)
	l.gen.metrics.RecordReadError(class)
	if class == classConnReset || class == classConnRefused {
		l.safeLog(logger.LevelDebug, "UDP read on %s: %s: %v", l.conn.LocalAddr(), class, err)
	} else {
		l.safeLog(logger.LevelWarn, "UDP read on %s failed (%s): %v", l.conn.LocalAddr(), class, err)
	}
	runtime.Gosched()
}

// safeLog logs and swallows anything the log path raises.
func (l *acceptLoop) safeLog(level logger.Level, format string, v ...any) {
	defer func() { _ = recover() }()
	l.log(level, format, v...)
}

func (l *acceptLoop) safeRecordReadError(class string) {
	defer func() { _ = recover() }()
	l.gen.metrics.RecordReadError(class)
}

func (l *acceptLoop) String() string {
	return fmt.Sprintf("accept loop on %s", l.conn.LocalAddr())
}
