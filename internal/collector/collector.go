// Package collector turns RouterOS command replies into typed records. Each
// collector is a pure transformation from reply rows to a slice of the device
// snapshot; the untyped attribute maps never leave this package.
package collector

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-kit/log"

	"github.com/fengxsong/mikrotik_exporter/internal/routeros"
)

// Session is the slice of the RouterOS client collectors query through.
type Session interface {
	Run(ctx context.Context, sentence ...string) ([]routeros.AttrMap, error)
}

// Device is the typed result of one collection tick against one router.
type Device struct {
	Interfaces []InterfaceStats
	Resource   *SystemResource
	Info       *SystemInfo
	Conntrack  []ConntrackEntry
	Peers      []WireGuardPeer
}

// InterfaceStats is one row of /interface/print stats.
type InterfaceStats struct {
	Name      string
	Running   bool
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
	RxErrors  uint64
	TxErrors  uint64
}

// SystemResource is the /system/resource/print snapshot.
type SystemResource struct {
	CPULoad       float64
	FreeMemory    float64
	TotalMemory   float64
	UptimeSeconds float64
	HasUptime     bool
}

// SystemInfo carries the mikrotik_system_info labels.
type SystemInfo struct {
	Version string
	Board   string
}

// ConntrackEntry is an aggregated connection-tracking tuple.
type ConntrackEntry struct {
	SrcAddress string
	Protocol   string
	IPVersion  string
	Count      float64
}

// WireGuardPeer is one row of /interface/wireguard/peers/print. Peers are
// identified by allowed-address; public keys never become labels.
type WireGuardPeer struct {
	Interface      string
	Name           string
	AllowedAddress string
	Endpoint       string
	RxBytes        float64
	TxBytes        float64
	LastHandshake  float64
	HasHandshake   bool
}

// Collector fills one slice of the device snapshot.
type Collector interface {
	Name() string
	Collect(ctx context.Context, s Session, d *Device) error
}

// All returns the full collector set in tick order.
func All(logger log.Logger) []Collector {
	return []Collector{
		&InterfaceCollector{},
		&SystemResourceCollector{logger: logger},
		&SystemIdentityCollector{logger: logger},
		&ConntrackCollector{},
		&WireGuardPeerCollector{logger: logger},
	}
}

// Names lists the collector names in tick order, for flag registration.
func Names() []string {
	return []string{"interface", "system-resource", "system-identity", "conntrack", "wireguard"}
}

func parseUint(attrs routeros.AttrMap, key string) (uint64, error) {
	raw, ok := attrs[key]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &routeros.ProtocolError{Message: fmt.Sprintf("attribute %s=%q is not an unsigned integer", key, raw)}
	}
	return v, nil
}

func parseFloat(attrs routeros.AttrMap, key string) (float64, error) {
	raw, ok := attrs[key]
	if !ok || raw == "" {
		return 0, &routeros.ProtocolError{Message: "missing attribute " + key}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &routeros.ProtocolError{Message: fmt.Sprintf("attribute %s=%q is not numeric", key, raw)}
	}
	return v, nil
}
