package collector

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fengxsong/mikrotik_exporter/internal/routeros"
)

// SystemResourceCollector gathers CPU, memory and uptime from
// /system/resource/print.
type SystemResourceCollector struct {
	logger log.Logger
}

func (*SystemResourceCollector) Name() string { return "system-resource" }

func (c *SystemResourceCollector) Collect(ctx context.Context, s Session, d *Device) error {
	rows, err := s.Run(ctx, "/system/resource/print")
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		return &routeros.ProtocolError{Message: "expected exactly one system resource row"}
	}
	row := rows[0]

	res := &SystemResource{}
	if res.CPULoad, err = parseFloat(row, "cpu-load"); err != nil {
		return err
	}
	if res.FreeMemory, err = parseFloat(row, "free-memory"); err != nil {
		return err
	}
	if res.TotalMemory, err = parseFloat(row, "total-memory"); err != nil {
		return err
	}

	// An unparseable uptime only loses the uptime sample, not the record.
	if uptime, err := ParseDuration(row["uptime"]); err != nil {
		level.Warn(c.logger).Log("msg", "cannot parse uptime", "value", row["uptime"], "err", err)
	} else {
		res.UptimeSeconds = uptime
		res.HasUptime = true
	}

	d.Resource = res
	return nil
}

// SystemIdentityCollector gathers the board model and RouterOS version for
// the system_info labels. The routerboard command traps on CHR instances;
// the resource board-name serves as the fallback there.
type SystemIdentityCollector struct {
	logger log.Logger
}

func (*SystemIdentityCollector) Name() string { return "system-identity" }

func (c *SystemIdentityCollector) Collect(ctx context.Context, s Session, d *Device) error {
	resRows, err := s.Run(ctx, "/system/resource/print")
	if err != nil {
		return err
	}
	if len(resRows) != 1 {
		return &routeros.ProtocolError{Message: "expected exactly one system resource row"}
	}

	info := &SystemInfo{
		Version: resRows[0]["version"],
		Board:   resRows[0]["board-name"],
	}

	boardRows, err := s.Run(ctx, "/system/routerboard/print")
	if err != nil {
		var trap *routeros.TrapError
		if !errors.As(err, &trap) {
			return err
		}
		level.Debug(c.logger).Log("msg", "no routerboard data", "err", trap.Message)
	} else if len(boardRows) == 1 {
		if model := boardRows[0]["model"]; model != "" {
			info.Board = model
		}
	}

	d.Info = info
	return nil
}
