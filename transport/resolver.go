// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package transport

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultSIPPort = 5060
	minCacheTTL    = 30 * time.Second
)

// Resolver finds signaling address of SIP host.
// Hosts are looked up with _sip._udp SRV first, then A.
type Resolver struct {
	// NameServer is DNS server as host or host:port.
	// If empty first server of /etc/resolv.conf is used.
	NameServer string
	// Timeout of single query, default 5 seconds
	Timeout time.Duration

	mu    sync.Mutex
	cache map[string]cachedAddr
}

type cachedAddr struct {
	addr    netip.AddrPort
	expires time.Time
}

// Resolve returns address to send to. IP hosts are returned as is.
// SRV port is used only when port is default, as that is port of uri without explicit one.
func (r *Resolver) Resolve(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}

	key := fmt.Sprintf("%s:%d", host, port)
	r.mu.Lock()
	if c, exists := r.cache[key]; exists && time.Now().Before(c.expires) {
		r.mu.Unlock()
		return c.addr, nil
	}
	r.mu.Unlock()

	target, ttl := host, uint32(0)
	srvs, srvTTL, err := r.LookupSRV(ctx, "sip", "udp", host)
	if err == nil && len(srvs) > 0 {
		target, ttl = srvs[0].Target, srvTTL
		if port == 0 || port == defaultSIPPort {
			port = int(srvs[0].Port)
		}
	}
	if port == 0 {
		port = defaultSIPPort
	}

	ips, aTTL, err := r.LookupA(ctx, target)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if ttl == 0 || aTTL < ttl {
		ttl = aTTL
	}

	addr := netip.AddrPortFrom(ips[0], uint16(port))
	r.mu.Lock()
	if r.cache == nil {
		r.cache = make(map[string]cachedAddr)
	}
	r.cache[key] = cachedAddr{addr: addr, expires: time.Now().Add(max(time.Duration(ttl)*time.Second, minCacheTTL))}
	r.mu.Unlock()
	return addr, nil
}

// LookupSRV returns records sorted by priority, then by higher weight, with lowest TTL.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*net.SRV, uint32, error) {
	resp, err := r.exchange(ctx, "_"+service+"._"+proto+"."+host, dns.TypeSRV)
	if err != nil {
		return nil, 0, err
	}

	var ttl uint32
	srvs := make([]*net.SRV, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		rr, ok := ans.(*dns.SRV)
		if !ok {
			continue
		}
		srvs = append(srvs, &net.SRV{
			Target:   strings.TrimSuffix(rr.Target, "."),
			Port:     rr.Port,
			Priority: rr.Priority,
			Weight:   rr.Weight,
		})
		if ttl == 0 || rr.Hdr.Ttl < ttl {
			ttl = rr.Hdr.Ttl
		}
	}

	slices.SortFunc(srvs, func(a, b *net.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return srvs, ttl, nil
}

// LookupA returns IPv4 addresses of host
func (r *Resolver) LookupA(ctx context.Context, host string) ([]netip.Addr, uint32, error) {
	resp, err := r.exchange(ctx, host, dns.TypeA)
	if err != nil {
		return nil, 0, err
	}

	var ttl uint32
	var ips []netip.Addr
	for _, ans := range resp.Answer {
		rr, ok := ans.(*dns.A)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(rr.A.To4())
		if !ok {
			continue
		}
		ips = append(ips, ip)
		if ttl == 0 || rr.Hdr.Ttl < ttl {
			ttl = rr.Hdr.Ttl
		}
	}
	if len(ips) == 0 {
		return nil, 0, &net.DNSError{Err: "no A records", Name: host, IsNotFound: true}
	}
	return ips, ttl, nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, err
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, err
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}
	return resp, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", err
	}
	if len(conf.Servers) == 0 {
		return "", &net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"}
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
