package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/fengxsong/mikrotik_exporter/internal/routeros"
)

// fakeSession serves canned reply rows keyed by command path.
type fakeSession struct {
	replies map[string][]routeros.AttrMap
	traps   map[string]string
	calls   []string
}

func (s *fakeSession) Run(ctx context.Context, sentence ...string) ([]routeros.AttrMap, error) {
	command := sentence[0]
	s.calls = append(s.calls, command)
	if msg, ok := s.traps[command]; ok {
		return nil, &routeros.TrapError{Message: msg}
	}
	rows, ok := s.replies[command]
	if !ok {
		return nil, &routeros.TrapError{Message: "no such command"}
	}
	return rows, nil
}

func TestInterfaceCollector(t *testing.T) {
	t.Parallel()

	s := &fakeSession{replies: map[string][]routeros.AttrMap{
		"/interface/print": {
			{"name": "ether1", "running": "true", "rx-byte": "1000", "tx-byte": "2000",
				"rx-packet": "10", "tx-packet": "20", "rx-error": "1", "tx-error": "0"},
			{"name": "wlan1", "running": "false", "rx-byte": "5"},
		},
	}}

	var d Device
	if err := (&InterfaceCollector{}).Collect(context.Background(), s, &d); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(d.Interfaces) != 2 {
		t.Fatalf("got %d interfaces, want 2", len(d.Interfaces))
	}
	first := d.Interfaces[0]
	if first.Name != "ether1" || !first.Running || first.RxBytes != 1000 || first.TxBytes != 2000 ||
		first.RxPackets != 10 || first.TxPackets != 20 || first.RxErrors != 1 || first.TxErrors != 0 {
		t.Errorf("unexpected record: %+v", first)
	}
	second := d.Interfaces[1]
	if second.Running || second.RxBytes != 5 || second.TxBytes != 0 {
		t.Errorf("unexpected record: %+v", second)
	}
}

func TestInterfaceCollectorRejectsMalformedCounter(t *testing.T) {
	t.Parallel()

	s := &fakeSession{replies: map[string][]routeros.AttrMap{
		"/interface/print": {{"name": "ether1", "rx-byte": "many"}},
	}}
	var d Device
	err := (&InterfaceCollector{}).Collect(context.Background(), s, &d)
	var perr *routeros.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
}

func TestSystemResourceCollector(t *testing.T) {
	t.Parallel()

	s := &fakeSession{replies: map[string][]routeros.AttrMap{
		"/system/resource/print": {
			{"cpu-load": "12", "free-memory": "1048576", "total-memory": "4194304",
				"uptime": "1w2d3h4m5s", "version": "7.14.2 (stable)", "board-name": "RB5009"},
		},
	}}

	var d Device
	c := &SystemResourceCollector{logger: log.NewNopLogger()}
	if err := c.Collect(context.Background(), s, &d); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	res := d.Resource
	if res.CPULoad != 12 || res.FreeMemory != 1048576 || res.TotalMemory != 4194304 {
		t.Errorf("unexpected resource: %+v", res)
	}
	want := float64(7*86400 + 2*86400 + 3*3600 + 4*60 + 5)
	if !res.HasUptime || res.UptimeSeconds != want {
		t.Errorf("uptime = %v (has=%v), want %v", res.UptimeSeconds, res.HasUptime, want)
	}
}

func TestSystemResourceCollectorBadUptimeKeepsRecord(t *testing.T) {
	t.Parallel()

	s := &fakeSession{replies: map[string][]routeros.AttrMap{
		"/system/resource/print": {
			{"cpu-load": "3", "free-memory": "100", "total-memory": "200", "uptime": "???"},
		},
	}}

	var d Device
	c := &SystemResourceCollector{logger: log.NewNopLogger()}
	if err := c.Collect(context.Background(), s, &d); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if d.Resource.HasUptime {
		t.Error("expected uptime sample to be omitted")
	}
	if d.Resource.CPULoad != 3 {
		t.Errorf("cpu-load = %v, want 3", d.Resource.CPULoad)
	}
}

func TestSystemIdentityCollectorPrefersRouterboardModel(t *testing.T) {
	t.Parallel()

	s := &fakeSession{replies: map[string][]routeros.AttrMap{
		"/system/resource/print":    {{"version": "7.14.2 (stable)", "board-name": "RB5009UG+S+"}},
		"/system/routerboard/print": {{"model": "RB5009UG+S+IN"}},
	}}

	var d Device
	c := &SystemIdentityCollector{logger: log.NewNopLogger()}
	if err := c.Collect(context.Background(), s, &d); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if d.Info.Version != "7.14.2 (stable)" || d.Info.Board != "RB5009UG+S+IN" {
		t.Errorf("unexpected info: %+v", d.Info)
	}
}

func TestSystemIdentityCollectorFallsBackOnCHR(t *testing.T) {
	t.Parallel()

	s := &fakeSession{
		replies: map[string][]routeros.AttrMap{
			"/system/resource/print": {{"version": "7.14.2 (stable)", "board-name": "CHR"}},
		},
		traps: map[string]string{"/system/routerboard/print": "no such command prefix"},
	}

	var d Device
	c := &SystemIdentityCollector{logger: log.NewNopLogger()}
	if err := c.Collect(context.Background(), s, &d); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if d.Info.Board != "CHR" {
		t.Errorf("board = %q, want CHR", d.Info.Board)
	}
}

func TestConntrackCollectorAggregates(t *testing.T) {
	t.Parallel()

	s := &fakeSession{replies: map[string][]routeros.AttrMap{
		"/ip/firewall/connection/print": {
			{"src-address": "10.0.0.5:51234", "protocol": "tcp"},
			{"src-address": "10.0.0.5:51235", "protocol": "tcp"},
			{"src-address": "10.0.0.5:5353", "protocol": "udp"},
			{"src-address": "10.0.0.9:80", "protocol": "tcp"},
		},
		"/ipv6/firewall/connection/print": {
			{"src-address": "[fe80::1]:546", "protocol": "udp"},
		},
	}}

	var d Device
	if err := (&ConntrackCollector{}).Collect(context.Background(), s, &d); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	want := []ConntrackEntry{
		{SrcAddress: "10.0.0.5", Protocol: "tcp", IPVersion: "4", Count: 2},
		{SrcAddress: "10.0.0.5", Protocol: "udp", IPVersion: "4", Count: 1},
		{SrcAddress: "10.0.0.9", Protocol: "tcp", IPVersion: "4", Count: 1},
		{SrcAddress: "fe80::1", Protocol: "udp", IPVersion: "6", Count: 1},
	}
	if len(d.Conntrack) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(d.Conntrack), len(want), d.Conntrack)
	}
	for i, w := range want {
		if d.Conntrack[i] != w {
			t.Errorf("entry %d = %+v, want %+v", i, d.Conntrack[i], w)
		}
	}
}

func TestWireGuardPeerCollector(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	s := &fakeSession{replies: map[string][]routeros.AttrMap{
		"/interface/wireguard/peers/print": {
			{"interface": "wg0", "name": "laptop", "allowed-address": "10.10.0.2/32",
				"endpoint-address": "198.51.100.7", "endpoint-port": "51820",
				"rx": "1234", "tx": "5678", "last-handshake": "1m30s"},
			{"interface": "wg0", "comment": "phone", "allowed-address": "10.10.0.3/32",
				"rx": "0", "tx": "0"},
		},
	}}

	var d Device
	c := &WireGuardPeerCollector{logger: log.NewNopLogger(), now: func() time.Time { return now }}
	if err := c.Collect(context.Background(), s, &d); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(d.Peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(d.Peers))
	}

	laptop := d.Peers[0]
	if laptop.Name != "laptop" || laptop.Endpoint != "198.51.100.7:51820" ||
		laptop.RxBytes != 1234 || laptop.TxBytes != 5678 {
		t.Errorf("unexpected peer: %+v", laptop)
	}
	if !laptop.HasHandshake || laptop.LastHandshake != float64(now.Unix())-90 {
		t.Errorf("last handshake = %v (has=%v)", laptop.LastHandshake, laptop.HasHandshake)
	}

	phone := d.Peers[1]
	if phone.Name != "phone" || phone.Endpoint != "" || phone.HasHandshake {
		t.Errorf("unexpected peer: %+v", phone)
	}
}

func TestWireGuardPeerCollectorRequiresAllowedAddress(t *testing.T) {
	t.Parallel()

	s := &fakeSession{replies: map[string][]routeros.AttrMap{
		"/interface/wireguard/peers/print": {{"interface": "wg0", "rx": "1", "tx": "2"}},
	}}
	var d Device
	c := &WireGuardPeerCollector{logger: log.NewNopLogger()}
	err := c.Collect(context.Background(), s, &d)
	var perr *routeros.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
}

func TestAllOrder(t *testing.T) {
	t.Parallel()

	names := []string{}
	for _, c := range All(log.NewNopLogger()) {
		names = append(names, c.Name())
	}
	want := []string{"interface", "system-resource", "system-identity", "conntrack", "wireguard"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("collector order = %v, want %v", names, want)
		}
	}
}
