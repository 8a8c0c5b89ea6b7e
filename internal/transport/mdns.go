package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsDomain = "local."

// MDNSBrowser discovers shelf devices advertised via mDNS/DNS-SD.
type MDNSBrowser struct {
	service     string
	namePrefix  string
	scanTimeout time.Duration
	logger      *slog.Logger
}

// NewMDNSBrowser creates a browser for the given DNS-SD service type.
// Only instances whose name matches namePrefix are reported; an empty
// prefix matches everything.
func NewMDNSBrowser(service, namePrefix string, scanTimeout time.Duration, logger *slog.Logger) *MDNSBrowser {
	return &MDNSBrowser{service: service, namePrefix: namePrefix, scanTimeout: scanTimeout, logger: logger}
}

// Scan browses for shelf devices on the local network.
func (b *MDNSBrowser) Scan(ctx context.Context) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var found []Endpoint
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, b.scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			ep, ok := b.entryToEndpoint(entry)
			if !ok {
				continue
			}
			mu.Lock()
			found = append(found, ep)
			mu.Unlock()
			b.logger.Debug("mdns discovered device", "id", ep.DeviceID, "addr", ep.Addr)
		}
	}()

	if err := resolver.Browse(scanCtx, b.service, mdnsDomain, entries); err != nil {
		cancel()
		// Wait for consumer goroutine to drain the channel before returning.
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	result := make([]Endpoint, len(found))
	copy(result, found)
	mu.Unlock()

	return result, nil
}

func (b *MDNSBrowser) entryToEndpoint(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	name := entry.ServiceRecord.Instance
	if b.namePrefix != "" && !strings.HasPrefix(name, b.namePrefix) {
		return Endpoint{}, false
	}

	var addr string
	if len(entry.AddrIPv4) > 0 {
		addr = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		addr = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	} else {
		return Endpoint{}, false
	}

	meta := parseTXTRecords(entry.Text)
	id := meta["id"]
	if id == "" {
		id = name
	}

	return Endpoint{DeviceID: id, Name: name, Addr: addr, Kind: LinkTCP}, true
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		parts := strings.SplitN(t, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}

// Advertise registers the device under the shelfsync service so the
// bridge can discover it. Blocks until ctx is cancelled; call it in a
// goroutine.
func Advertise(ctx context.Context, service, name, deviceID string, port int, logger *slog.Logger) error {
	txt := []string{"id=" + deviceID}
	server, err := zeroconf.Register(name, service, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	logger.Info("mdns advertising", "name", name, "id", deviceID, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}
