// Package fetchclient implements the shadow filesystem's side of the
// protocol: try_to_get, the bounded-deadline request to the fetch daemon.
package fetchclient

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/clearlinux/dbginfo/internal/wire"
)

const (
	// nominalDeadline is the wait bound for a synchronous request under
	// normal conditions: long enough that a cache hit returns well within
	// it, short enough that a network fetch visibly exceeds it.
	nominalDeadline = 750 * time.Millisecond

	// shortDeadline is used instead of nominalDeadline once deadtime is in
	// effect, to avoid piling up many slow requests during a burst. Pinned
	// to the reference's documented value; see the open-question
	// resolution in the design notes.
	shortDeadline = 1500 * time.Microsecond

	// deadtimeWindow is how far into the future a timeout pushes deadtime.
	deadtimeWindow = 4 * time.Second
)

// ErrRecursion is returned when the peer pid on the FD connection equals
// the caller's own pid, indicating FD's own filesystem-touching operations
// would otherwise recurse into this very mount.
var ErrRecursion = fmt.Errorf("fetchclient: recursive call into fetch daemon")

// Client sends fetch requests to the fetch daemon over its abstract
// socket. A single Client is shared by all operations in one SF process,
// since deadtime is process-local state.
type Client struct {
	socketName string

	mu       sync.Mutex
	deadtime time.Time
	now      func() time.Time
}

// New returns a Client that dials the abstract socket named by tag (no
// leading NUL required; TryToGet adds it when dialing).
func New(tag string) *Client {
	return &Client{socketName: tag, now: time.Now}
}

// TryToGet sends a fetch request for (prefix, path) with the given
// caller-known timestamp (0 meaning "absent, this is synchronous"). It
// never returns an error for the ordinary "FD didn't answer in time" case
// — per the protocol, clients must treat EOF and timeout identically as
// "no content guaranteed" and just re-stat. It does return ErrRecursion.
func (c *Client) TryToGet(prefix, path string, pid int, timestamp int64) error {
	conn, err := net.Dial("unix", "@"+c.socketName)
	if err != nil {
		// FD not running or refusing connections: nothing to do, the
		// caller re-stats and gets whatever is already cached.
		return nil
	}
	defer conn.Close()

	if isRecursive, err := c.checkRecursion(conn, pid); err != nil {
		return nil
	} else if isRecursive {
		return ErrRecursion
	}

	req := wire.Encode(wire.Request{Timestamp: timestamp, Prefix: prefix, Path: path})
	if _, err := conn.Write(req); err != nil {
		return nil
	}

	if timestamp != 0 {
		// Asynchronous refresh hint: fire and forget.
		return nil
	}

	c.waitForReply(conn)
	return nil
}

// checkRecursion inspects the connection's peer credentials via
// SO_PEERCRED. It mirrors the reference's getsockopt(SO_PEERCRED) check.
func (c *Client) checkRecursion(conn net.Conn, pid int) (bool, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false, nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false, err
	}

	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return false, err
	}
	if sockErr != nil {
		return false, sockErr
	}

	return int(cred.Pid) == pid, nil
}

// waitForReply blocks on conn being readable up to the current deadline
// (nominal, or short if deadtime is still in the future), updating
// deadtime on timeout.
func (c *Client) waitForReply(conn net.Conn) {
	deadline := c.currentDeadline()
	conn.SetReadDeadline(c.now().Add(deadline))

	buf := make([]byte, len(wire.OKReply))
	_, err := conn.Read(buf)
	if err != nil {
		c.setDeadtime()
	}
}

func (c *Client) currentDeadline() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Before(c.deadtime) {
		return shortDeadline
	}
	return nominalDeadline
}

func (c *Client) setDeadtime() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadtime = c.now().Add(deadtimeWindow)
}
