package collector

import (
	"context"
	"sort"
	"strings"
)

// ConntrackCollector aggregates the firewall connection tables by
// (src-address, protocol, ip_version). Counts per tuple, never per flow, so
// the label cardinality stays bounded by hosts.
type ConntrackCollector struct{}

func (*ConntrackCollector) Name() string { return "conntrack" }

func (*ConntrackCollector) Collect(ctx context.Context, s Session, d *Device) error {
	type key struct {
		src, proto, version string
	}
	counts := make(map[key]float64)

	for _, table := range []struct {
		command string
		version string
	}{
		{"/ip/firewall/connection/print", "4"},
		{"/ipv6/firewall/connection/print", "6"},
	} {
		rows, err := s.Run(ctx, table.command, "=.proplist=src-address,protocol")
		if err != nil {
			return err
		}
		for _, row := range rows {
			counts[key{
				src:     stripPort(row["src-address"], table.version),
				proto:   row["protocol"],
				version: table.version,
			}]++
		}
	}

	entries := make([]ConntrackEntry, 0, len(counts))
	for k, n := range counts {
		entries = append(entries, ConntrackEntry{
			SrcAddress: k.src,
			Protocol:   k.proto,
			IPVersion:  k.version,
			Count:      n,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.SrcAddress != b.SrcAddress {
			return a.SrcAddress < b.SrcAddress
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		return a.IPVersion < b.IPVersion
	})
	d.Conntrack = entries
	return nil
}

// stripPort removes the :port suffix conntrack appends to TCP and UDP
// source addresses. IPv6 addresses are bracketed when a port is present.
func stripPort(addr, version string) string {
	if addr == "" {
		return addr
	}
	if version == "6" {
		if strings.HasPrefix(addr, "[") {
			if end := strings.Index(addr, "]"); end > 0 {
				return addr[1:end]
			}
		}
		return addr
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}
