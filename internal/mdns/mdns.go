// Package mdns advertises and discovers receivers on the local network.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service is the DNS-SD service type of a receiver's HTTP endpoint.
const Service = "_lritrecv._tcp"

const domain = "local."

// Host represents a discovered receiver.
type Host struct {
	Instance  string // Advertised name: "lritrecv on dish"
	Hostname  string // DNS hostname: "dish.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// URL returns the HTTP base URL of the host, preferring IPv4.
func (h Host) URL() string {
	host := strings.TrimSuffix(h.Hostname, ".")
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	return "http://" + net.JoinHostPort(host, fmt.Sprint(h.Port))
}

// Advertisement is a running service registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers instance on port with the given TXT records. Call
// Shutdown to withdraw it.
func Advertise(instance string, port int, txt []string) (*Advertisement, error) {
	if port <= 0 {
		return nil, fmt.Errorf("advertise %q: invalid port %d", instance, port)
	}
	server, err := zeroconf.Register(instance, Service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("advertise %q: %w", instance, err)
	}
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// TXTRecords formats key/value pairs as DNS-SD TXT strings, sorted by key.
func TXTRecords(kv map[string]string) []string {
	out := make([]string, 0, len(kv))
	for k, v := range kv {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Discover performs a blocking mDNS browse for receivers.
// It returns cleaned and deduplicated host entries.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				resultMap[fmt.Sprintf("%s|%d", e.HostName, e.Port)] = hostFromEntry(e)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
