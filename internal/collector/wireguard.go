package collector

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fengxsong/mikrotik_exporter/internal/routeros"
)

const wireguardProps = ".proplist=interface,name,comment,allowed-address,endpoint-address,endpoint-port,rx,tx,last-handshake"

// WireGuardPeerCollector gathers per-peer transfer counters and handshake
// age from /interface/wireguard/peers/print. Peers are keyed by
// allowed-address so public keys never leak into label values.
type WireGuardPeerCollector struct {
	logger log.Logger
	now    func() time.Time
}

func (*WireGuardPeerCollector) Name() string { return "wireguard" }

func (c *WireGuardPeerCollector) Collect(ctx context.Context, s Session, d *Device) error {
	rows, err := s.Run(ctx, "/interface/wireguard/peers/print", "="+wireguardProps)
	if err != nil {
		return err
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}

	peers := make([]WireGuardPeer, 0, len(rows))
	for _, row := range rows {
		allowed, ok := row["allowed-address"]
		if !ok || allowed == "" {
			return &routeros.ProtocolError{Message: "wireguard peer row without allowed-address"}
		}
		peer := WireGuardPeer{
			Interface:      row["interface"],
			Name:           peerName(row),
			AllowedAddress: allowed,
			Endpoint:       endpoint(row),
		}
		if peer.RxBytes, err = parseFloat(row, "rx"); err != nil {
			return err
		}
		if peer.TxBytes, err = parseFloat(row, "tx"); err != nil {
			return err
		}

		// last-handshake is an age; peers that never completed a handshake
		// omit it. An unparseable value only loses the handshake sample.
		if raw, ok := row["last-handshake"]; ok && raw != "" {
			age, err := ParseDuration(raw)
			if err != nil {
				level.Warn(c.logger).Log("msg", "cannot parse last-handshake", "peer", allowed, "value", raw, "err", err)
			} else {
				peer.LastHandshake = float64(now().Unix()) - age
				peer.HasHandshake = true
			}
		}
		peers = append(peers, peer)
	}
	d.Peers = peers
	return nil
}

func peerName(row routeros.AttrMap) string {
	if name := row["name"]; name != "" {
		return name
	}
	return row["comment"]
}

func endpoint(row routeros.AttrMap) string {
	addr := row["endpoint-address"]
	port := row["endpoint-port"]
	if addr == "" {
		return ""
	}
	if port == "" {
		return addr
	}
	return addr + ":" + port
}
