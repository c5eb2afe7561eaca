package collector

import (
	"context"

	"github.com/fengxsong/mikrotik_exporter/internal/routeros"
)

const interfaceProps = ".proplist=name,running,rx-byte,tx-byte,rx-packet,tx-packet,rx-error,tx-error"

// InterfaceCollector gathers per-interface traffic counters and link state.
type InterfaceCollector struct{}

func (*InterfaceCollector) Name() string { return "interface" }

func (*InterfaceCollector) Collect(ctx context.Context, s Session, d *Device) error {
	rows, err := s.Run(ctx, "/interface/print", "=stats=", "="+interfaceProps)
	if err != nil {
		return err
	}

	stats := make([]InterfaceStats, 0, len(rows))
	for _, row := range rows {
		name, ok := row["name"]
		if !ok || name == "" {
			return &routeros.ProtocolError{Message: "interface row without name"}
		}
		st := InterfaceStats{
			Name:    name,
			Running: row["running"] == "true",
		}
		for _, f := range []struct {
			key string
			dst *uint64
		}{
			{"rx-byte", &st.RxBytes},
			{"tx-byte", &st.TxBytes},
			{"rx-packet", &st.RxPackets},
			{"tx-packet", &st.TxPackets},
			{"rx-error", &st.RxErrors},
			{"tx-error", &st.TxErrors},
		} {
			v, err := parseUint(row, f.key)
			if err != nil {
				return err
			}
			*f.dst = v
		}
		stats = append(stats, st)
	}
	d.Interfaces = stats
	return nil
}
