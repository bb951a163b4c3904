package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dittoudp/internal/logger"
)

// LocalHost is bound when no candidate host resolves.
const LocalHost = "127.0.0.1"

// ErrBindFailed is returned when no candidate address could be bound.
var ErrBindFailed = errors.New("failed to bind UDP socket")

// Binder binds one UDP socket.
type Binder func(ctx context.Context, addr *net.UDPAddr) (*net.UDPConn, error)

// Resolver turns a host into an address to bind.
type Resolver func(ctx context.Context, host string) (net.IP, error)

// ParseHosts splits a delimited host list. Commas, semicolons and white
// space separate entries; empty entries are dropped.
func ParseHosts(list string) []string {
	return strings.FieldsFunc(list, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n', '\r':
			return true
		}
		return false
	})
}

// ListenBinder binds with net.ListenConfig.
func ListenBinder(ctx context.Context, addr *net.UDPAddr) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// DefaultResolver returns the first address of host, preferring IPv4.
func DefaultResolver(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	return addrs[0].IP, nil
}

// Acquirer binds exactly one socket out of a list of candidate hosts.
//
// Every host gets its own goroutine, which resolves it and then binds. The
// caller waits at most Timeout; goroutines still running after that are
// abandoned and close their socket themselves if they bind late. The first
// bind to complete successfully is kept and every other bound socket is
// closed. When no host resolves, LocalHost is bound with what is left of the
// budget.
type Acquirer struct {
	// Timeout bounds the whole acquisition. 0 means DefaultBindTimeout.
	Timeout time.Duration

	// Bind defaults to ListenBinder.
	Bind Binder

	// Resolve defaults to DefaultResolver.
	Resolve Resolver
}

// bindSlot records the outcome of one candidate.
type bindSlot struct {
	conn       *net.UDPConn
	err        error
	unresolved bool
	seq        int // completion order, 0 while pending
}

// bindAttempt resolves and binds one candidate. unresolved reports that err
// comes from resolution.
type bindAttempt func(ctx context.Context) (conn *net.UDPConn, unresolved bool, err error)

// raceResult summarizes one round of parallel attempts.
type raceResult struct {
	conn          *net.UDPConn
	firstErr      error
	allUnresolved bool
}

// Acquire binds port on one of hosts.
func (a *Acquirer) Acquire(ctx context.Context, hosts []string, port int) (*net.UDPConn, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultBindTimeout
	}
	bind := a.Bind
	if bind == nil {
		bind = ListenBinder
	}
	resolve := a.Resolve
	if resolve == nil {
		resolve = DefaultResolver
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bindLocal := func(ctx context.Context) (*net.UDPConn, bool, error) {
		conn, err := bind(ctx, &net.UDPAddr{IP: net.ParseIP(LocalHost), Port: port})
		return conn, false, err
	}

	var res raceResult
	if len(hosts) == 0 {
		res = race(ctx, []bindAttempt{bindLocal})
	} else {
		attempts := make([]bindAttempt, len(hosts))
		for i, host := range hosts {
			attempts[i] = func(ctx context.Context) (*net.UDPConn, bool, error) {
				ip, err := resolve(ctx, host)
				if err != nil {
					return nil, true, fmt.Errorf("unresolved host %q: %w", host, err)
				}
				conn, err := bind(ctx, &net.UDPAddr{IP: ip, Port: port})
				return conn, false, err
			}
		}
		res = race(ctx, attempts)

		if res.conn == nil && res.allUnresolved {
			logger.Warn("UDP: none of %v resolved, binding %s", hosts, LocalHost)
			fallback := race(ctx, []bindAttempt{bindLocal})
			res.conn = fallback.conn
			if res.firstErr == nil {
				res.firstErr = fallback.firstErr
			}
		}
	}

	if res.conn != nil {
		return res.conn, nil
	}
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("UDP: bind did not complete within %s", timeout)
	}
	if res.firstErr != nil {
		logger.Error("UDP: bind failed on port %d: %v", port, res.firstErr)
		return nil, fmt.Errorf("%w: %w", ErrBindFailed, res.firstErr)
	}
	return nil, fmt.Errorf("%w: no candidate bound port %d within %s", ErrBindFailed, port, timeout)
}

// race runs attempts in parallel until all of them returned or ctx is done.
// It keeps the first socket to be bound and closes every other one,
// including those bound after race returned.
func race(ctx context.Context, attempts []bindAttempt) raceResult {
	var (
		mu       sync.Mutex
		finished bool
		seq      int
		wg       sync.WaitGroup
	)
	slots := make([]*bindSlot, len(attempts))

	for i, attempt := range attempts {
		slots[i] = &bindSlot{}
		wg.Add(1)
		go func(s *bindSlot, attempt bindAttempt) {
			defer wg.Done()
			conn, unresolved, err := attempt(ctx)

			mu.Lock()
			if finished {
				mu.Unlock()
				if conn != nil {
					logger.Debug("UDP: closing late bind on %s", conn.LocalAddr())
					_ = conn.Close()
				}
				return
			}
			seq++
			s.conn, s.err, s.unresolved, s.seq = conn, err, unresolved, seq
			mu.Unlock()
		}(slots[i], attempt)
	}

	// Monitor: closes allDone once every attempt returned.
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	finished = true

	var res raceResult
	winner := firstCompleted(slots, func(s *bindSlot) bool { return s.conn != nil })
	for _, s := range slots {
		if s.conn != nil && s != winner {
			logger.Debug("UDP: closing redundant bind on %s", s.conn.LocalAddr())
			_ = s.conn.Close()
		}
	}
	if winner != nil {
		res.conn = winner.conn
	}
	if first := firstCompleted(slots, func(s *bindSlot) bool { return s.err != nil }); first != nil {
		res.firstErr = first.err
	}

	res.allUnresolved = len(slots) > 0
	for _, s := range slots {
		if s.seq == 0 || !s.unresolved {
			res.allUnresolved = false
			break
		}
	}
	return res
}

// firstCompleted returns the matching slot with the lowest completion order.
func firstCompleted(slots []*bindSlot, match func(*bindSlot) bool) *bindSlot {
	var first *bindSlot
	for _, s := range slots {
		if s.seq == 0 || !match(s) {
			continue
		}
		if first == nil || s.seq < first.seq {
			first = s
		}
	}
	return first
}

// addrString renders conn's local address, or "none".
func addrString(conn *net.UDPConn) string {
	if conn == nil {
		return "none"
	}
	return conn.LocalAddr().String()
}

// boundPort returns the local port of conn, or PortDisabled.
func boundPort(conn *net.UDPConn) int {
	if conn == nil {
		return PortDisabled
	}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	_, p, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return PortDisabled
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return PortDisabled
	}
	return n
}
