// Package admin implements a single-purpose local TCP endpoint that
// accepts a KILL command and nothing else.
package admin

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/netutil"
)

// KillMarker is the byte sequence that triggers a shutdown when it
// begins an accepted connection's payload.
const KillMarker = "KILL"

// Listener binds operationPort and calls onKill whenever an accepted
// connection's first segment begins with KillMarker. There is no
// authentication; the port is expected to be firewalled.
type Listener struct {
	ln     net.Listener
	onKill func()
}

// Listen binds 0.0.0.0:port with the given backlog, enforced as an actual
// concurrent-connection cap via golang.org/x/net/netutil.LimitListener
// rather than relying on the OS's listen backlog hint alone.
func Listen(port, backlog int, onKill func()) (*Listener, error) {
	raw, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("admin: bind port %d: %w", port, err)
	}
	limited := netutil.LimitListener(raw, backlog)
	return &Listener{ln: limited, onKill: onKill}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. It never returns an error for a client misbehaving — only a
// listener-level failure is surfaced; a misbehaving client is not a
// fatal condition for the daemon.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("admin: accept: %w", err)
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	if n >= len(KillMarker) && string(buf[:len(KillMarker)]) == KillMarker {
		l.onKill()
	}
}

func (l *Listener) Close() error { return l.ln.Close() }
