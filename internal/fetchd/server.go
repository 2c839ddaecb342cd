// Package fetchd implements the fetch daemon: the listener, the bounded
// worker pool, and the per-connection protocol handling.
package fetchd

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/sirupsen/logrus"

	"github.com/clearlinux/dbginfo/internal/dedup"
	"github.com/clearlinux/dbginfo/internal/fetchproc"
	"github.com/clearlinux/dbginfo/internal/mirror"
	"github.com/clearlinux/dbginfo/internal/wire"
)

// MaxWorkers bounds the number of concurrently in-flight fetch workers.
const MaxWorkers = 16

// IdleTimeout is how long Serve's accept loop may go without an accepted
// connection before it shuts itself down, on listeners that support a
// deadline (the socket-activation case relies on the service manager to
// start it again on the next request).
const IdleTimeout = 600 * time.Second

// CacheRoots maps each known prefix tag to its extraction root.
type CacheRoots map[string]string

// Server groups the fetch daemon's global mutable state, per the design
// note on collecting "urls, urlcounter, dedup table, connection counter"
// into one process-wide service context.
type Server struct {
	SocketTag  string
	CacheRoots CacheRoots
	Log        *logrus.Logger

	rotator *mirror.Rotator
	dedup   *dedup.Table
	fetcher *fetchproc.Fetcher
	sem     chan struct{}
}

// New builds a Server. tmpDir is where in-flight downloads are staged.
func New(socketTag string, cacheRoots CacheRoots, urls []string, tmpDir string, log *logrus.Logger) (*Server, error) {
	rotator, err := mirror.NewRotator(urls)
	if err != nil {
		return nil, err
	}

	d := dedup.New()
	return &Server{
		SocketTag:  socketTag,
		CacheRoots: cacheRoots,
		Log:        log,
		rotator:    rotator,
		dedup:      d,
		fetcher:    fetchproc.New(d, tmpDir),
		sem:        make(chan struct{}, MaxWorkers),
	}, nil
}

// Listen acquires the listening socket, preferring a socket-activation fd
// inherited from the service manager (exactly one passed) and otherwise
// binding the well-known abstract address itself.
func (s *Server) Listen() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err == nil && len(listeners) == 1 {
		s.Log.Info("using socket-activation listener")
		return listeners[0], nil
	}

	addr := &net.UnixAddr{Name: "@" + s.SocketTag, Net: "unix"}
	return net.ListenUnix("unix", addr)
}

// Serve runs the accept loop until ctx is cancelled or the listener
// errors. Each accepted connection is handled by a worker goroutine
// bounded by the MaxWorkers semaphore; a connection arriving while the
// pool is saturated is refused immediately (backpressure).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	dl, supportsIdleTimeout := ln.(interface{ SetDeadline(time.Time) error })

	for {
		if supportsIdleTimeout {
			dl.SetDeadline(time.Now().Add(IdleTimeout))
		}

		conn, err := ln.Accept()
		if err != nil {
			if supportsIdleTimeout {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					s.Log.WithField("idle", IdleTimeout).Info("no connections within idle timeout, shutting down")
					return nil
				}
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		select {
		case s.sem <- struct{}{}:
			go s.handleConn(ctx, conn)
		default:
			s.Log.WithField("workers", MaxWorkers).Warn("rejecting connection: worker pool saturated")
			conn.Close()
		}
	}
}

// handleConn implements the worker protocol: read, validate, fetch,
// reply, and release resources on every exit path.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { <-s.sem }()
	defer conn.Close()

	buf := make([]byte, wire.MaxRequestLen)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.Log.WithError(err).Debug("read failed")
		return
	}

	req, ok := wire.Decode(buf[:n])
	if !ok || !wire.Validate(req) {
		s.Log.WithField("raw", string(buf[:n])).Debug("rejecting malformed or unsafe request")
		return
	}

	cacheRoot, ok := s.CacheRoots[req.Prefix]
	if !ok {
		s.Log.WithField("prefix", req.Prefix).Warn("no cache root configured for prefix")
		return
	}

	url := s.rotator.ArtifactURL(req.Prefix, req.Path)
	status := s.fetcher.Fetch(ctx, url, cacheRoot, req.Timestamp)
	if mirror.ShouldDemote(status) {
		s.rotator.Demote()
	}

	log := s.Log.WithFields(logrus.Fields{
		"url":    url,
		"prefix": req.Prefix,
		"path":   req.Path,
		"status": status,
	})
	log.Debug("fetch complete")

	if _, err := conn.Write(wire.OKReply); err != nil {
		log.WithError(err).Debug("reply write failed, client likely timed out")
	}
}
