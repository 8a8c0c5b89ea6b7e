package transport

import (
	"context"
	"fmt"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"shelfsync/internal/domain"
)

// serialBaudRate matches the UART bridge firmware on fixed links.
const serialBaudRate = 115200

// SerialDialer opens configured serial ports as device streams. Unlike
// mDNS endpoints, serial links are static: the port path doubles as
// the device identity until the first frame names the real one.
type SerialDialer struct{}

func (SerialDialer) Dial(ctx context.Context, ep Endpoint) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.WrapOp("transport.SerialDial", err)
	}
	mode := &serial.Mode{
		BaudRate: serialBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(ep.Addr, mode)
	if err != nil {
		return nil, domain.NewDomainError("transport.SerialDial", domain.ErrTransport,
			fmt.Sprintf("open %s: %v", ep.Addr, err))
	}
	return &serialStream{port: port, id: ep.DeviceID}, nil
}

type serialStream struct {
	port serial.Port
	id   string
}

func (s *serialStream) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *serialStream) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *serialStream) Close() error                { return s.port.Close() }
func (s *serialStream) RemoteID() string            { return s.id }

// SerialEndpoints builds endpoints for the configured port paths,
// skipping ports that are not present on this host.
func SerialEndpoints(ports []string) []Endpoint {
	if len(ports) == 0 {
		return nil
	}

	present := map[string]bool{}
	if detected, err := enumerator.GetDetailedPortsList(); err == nil {
		for _, p := range detected {
			present[p.Name] = true
		}
	}

	var eps []Endpoint
	for _, path := range ports {
		if len(present) > 0 && !present[path] {
			continue
		}
		eps = append(eps, Endpoint{
			DeviceID: "serial:" + path,
			Name:     path,
			Addr:     path,
			Kind:     LinkSerial,
		})
	}
	return eps
}
