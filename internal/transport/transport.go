// Package transport provides the serial-like byte streams the frame
// codec runs over, and the discovery that finds shelf devices. Devices
// advertise a TCP stream under the shelfsync DNS-SD service; fixed
// serial links can be configured statically on the bridge.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	"shelfsync/internal/domain"
)

// LinkKind distinguishes the physical carrier of an endpoint.
type LinkKind string

const (
	LinkTCP    LinkKind = "tcp"
	LinkSerial LinkKind = "serial"
)

// Endpoint describes one reachable device link.
type Endpoint struct {
	DeviceID string   // stable identity advertised by the device
	Name     string   // human-readable instance name
	Addr     string   // host:port for tcp, port path for serial
	Kind     LinkKind
}

// Stream is a bidirectional byte stream to one device. Close aborts
// any blocked Read or Write.
type Stream interface {
	io.ReadWriteCloser
	// RemoteID returns the endpoint identity the stream was opened to.
	RemoteID() string
}

// Dialer opens a stream to an endpoint. Implementations must honor
// ctx cancellation during connect.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Stream, error)
}

// Browser discovers device endpoints.
type Browser interface {
	// Scan browses for advertised devices until the scan timeout and
	// returns every endpoint seen.
	Scan(ctx context.Context) ([]Endpoint, error)
}

// --- TCP ---

// TCPDialer dials device TCP endpoints.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, ep Endpoint) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.Addr)
	if err != nil {
		return nil, domain.NewDomainError("transport.Dial", domain.ErrTransport, err.Error())
	}
	return &netStream{Conn: conn, id: ep.DeviceID}, nil
}

type netStream struct {
	net.Conn
	id string
}

func (s *netStream) RemoteID() string { return s.id }

// Listener accepts inbound bridge connections on the device side.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on addr. Port 0 picks a free port;
// Port() reports the bound one for advertisement.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, domain.NewDomainError("transport.Listen", domain.ErrTransport, err.Error())
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until the next bridge connection arrives or ctx is done.
func (l *Listener) Accept(ctx context.Context) (Stream, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.Close()
		case <-done:
		}
	}()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.WrapOp("transport.Accept", ctx.Err())
		}
		return nil, domain.NewDomainError("transport.Accept", domain.ErrTransport, err.Error())
	}
	return &netStream{Conn: conn, id: conn.RemoteAddr().String()}, nil
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close stops accepting connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the bound address string.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// pipeStream adapts an in-memory net.Pipe end for tests and loopback use.
type pipeStream struct {
	net.Conn
	id string
}

func (s *pipeStream) RemoteID() string { return s.id }

// Pipe returns two connected in-memory streams. Used by tests and the
// loopback harness; never crosses a process boundary.
func Pipe(deviceID string) (Stream, Stream) {
	a, b := net.Pipe()
	return &pipeStream{Conn: a, id: deviceID}, &pipeStream{Conn: b, id: deviceID}
}

// String implements fmt.Stringer for log readability.
func (ep Endpoint) String() string {
	return fmt.Sprintf("%s(%s %s)", ep.DeviceID, ep.Kind, ep.Addr)
}
