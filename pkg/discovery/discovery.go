// Package discovery advertises a wall server on the local network over mDNS and lets clients find one.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_inkwall._tcp"
	Domain  = "local."
)

var ErrNoServer = errors.New("no server found")

// Advertise registers the server until the returned function is called.
func Advertise(port int) (func(), error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(fmt.Sprintf("inkwall-%s", host), Service, Domain, port, []string{"txtv=0"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	slog.Info("mDNS service registered", "service", Service, "port", port)
	return server.Shutdown, nil
}

// Lookup browses until the first server answers or ctx is done.
func Lookup(ctx context.Context) (*url.URL, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrNoServer
			}
			if u, ok := entryURL(entry.AddrIPv4, entry.Port); ok {
				slog.Info("mDNS discovered server", "instance", entry.Instance, "url", u)
				return u, nil
			}
		case <-ctx.Done():
			return nil, ErrNoServer
		}
	}
}

func entryURL(addrs []net.IP, port int) (*url.URL, bool) {
	if len(addrs) == 0 || port <= 0 {
		return nil, false
	}
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(addrs[0].String(), strconv.Itoa(port))}, true
}
