// Package metrics owns the exporter's metric families. Content-derived
// families (interfaces, peers, conntrack tuples, system info) are rendered
// from per-router snapshots that each successful tick replaces wholesale, so
// rows for renamed interfaces or removed peers never outlive the tick that
// last saw them.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fengxsong/mikrotik_exporter/internal/collector"
)

const namespace = "mikrotik"

// Registry bundles the prometheus registry, the per-router device snapshots
// and the service metric vectors.
type Registry struct {
	reg *prometheus.Registry

	mu      sync.RWMutex
	devices map[string]*collector.Device

	ifaceRxBytes   *prometheus.Desc
	ifaceTxBytes   *prometheus.Desc
	ifaceRxPackets *prometheus.Desc
	ifaceTxPackets *prometheus.Desc
	ifaceRxErrors  *prometheus.Desc
	ifaceTxErrors  *prometheus.Desc
	ifaceRunning   *prometheus.Desc
	cpuLoad        *prometheus.Desc
	freeMemory     *prometheus.Desc
	totalMemory    *prometheus.Desc
	uptime         *prometheus.Desc
	systemInfo     *prometheus.Desc
	conntrackCount *prometheus.Desc
	wgRxBytes      *prometheus.Desc
	wgTxBytes      *prometheus.Desc
	wgHandshake    *prometheus.Desc

	ScrapeSuccess     *prometheus.CounterVec
	ScrapeErrors      *prometheus.CounterVec
	ScrapeDuration    *prometheus.GaugeVec
	LastSuccess       *prometheus.GaugeVec
	ConsecutiveErrors *prometheus.GaugeVec
	CycleDuration     *prometheus.GaugeVec
}

func fq(name string) string { return prometheus.BuildFQName(namespace, "", name) }

// New builds the registry with every family registered.
func New() *Registry {
	ifaceLabels := []string{"router", "interface"}
	wgLabels := []string{"router", "interface", "name", "allowed_address", "endpoint"}

	r := &Registry{
		reg:     prometheus.NewRegistry(),
		devices: make(map[string]*collector.Device),

		ifaceRxBytes:   prometheus.NewDesc(fq("interface_rx_bytes"), "Bytes received on the interface.", ifaceLabels, nil),
		ifaceTxBytes:   prometheus.NewDesc(fq("interface_tx_bytes"), "Bytes transmitted on the interface.", ifaceLabels, nil),
		ifaceRxPackets: prometheus.NewDesc(fq("interface_rx_packets"), "Packets received on the interface.", ifaceLabels, nil),
		ifaceTxPackets: prometheus.NewDesc(fq("interface_tx_packets"), "Packets transmitted on the interface.", ifaceLabels, nil),
		ifaceRxErrors:  prometheus.NewDesc(fq("interface_rx_errors"), "Receive errors on the interface.", ifaceLabels, nil),
		ifaceTxErrors:  prometheus.NewDesc(fq("interface_tx_errors"), "Transmit errors on the interface.", ifaceLabels, nil),
		ifaceRunning:   prometheus.NewDesc(fq("interface_running"), "Whether the interface link is up.", ifaceLabels, nil),
		cpuLoad:        prometheus.NewDesc(fq("system_cpu_load"), "CPU load percentage.", []string{"router"}, nil),
		freeMemory:     prometheus.NewDesc(fq("system_free_memory_bytes"), "Free memory in bytes.", []string{"router"}, nil),
		totalMemory:    prometheus.NewDesc(fq("system_total_memory_bytes"), "Total memory in bytes.", []string{"router"}, nil),
		uptime:         prometheus.NewDesc(fq("system_uptime_seconds"), "Uptime in seconds.", []string{"router"}, nil),
		systemInfo:     prometheus.NewDesc(fq("system_info"), "RouterOS version and board, value is always 1.", []string{"router", "version", "board"}, nil),
		conntrackCount: prometheus.NewDesc(fq("connection_tracking_count"), "Tracked connections per source, protocol and IP version.", []string{"router", "src_address", "protocol", "ip_version"}, nil),
		wgRxBytes:      prometheus.NewDesc(fq("wireguard_peer_rx_bytes"), "Bytes received from the WireGuard peer.", wgLabels, nil),
		wgTxBytes:      prometheus.NewDesc(fq("wireguard_peer_tx_bytes"), "Bytes sent to the WireGuard peer.", wgLabels, nil),
		wgHandshake:    prometheus.NewDesc(fq("wireguard_peer_latest_handshake"), "Unix timestamp of the peer's latest handshake.", wgLabels, nil),

		ScrapeSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scrape_success",
			Help: "Completed collection ticks per router.",
		}, []string{"router"}),
		ScrapeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scrape_errors",
			Help: "Failed collection ticks per router.",
		}, []string{"router"}),
		ScrapeDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scrape_duration_milliseconds",
			Help: "Duration of the last successful collection tick.",
		}, []string{"router"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scrape_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful collection tick.",
		}, []string{"router"}),
		ConsecutiveErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_consecutive_errors",
			Help: "Consecutive failures against the router.",
		}, []string{"router"}),
		CycleDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "collection_cycle_duration_milliseconds",
			Help: "Duration of the last collection tick, successful or not.",
		}, []string{"router"}),
	}

	r.reg.MustRegister(
		r,
		r.ScrapeSuccess,
		r.ScrapeErrors,
		r.ScrapeDuration,
		r.LastSuccess,
		r.ConsecutiveErrors,
		r.CycleDuration,
	)
	return r
}

// Gatherer exposes the underlying registry for the HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// MustRegister adds extra collectors (process, Go runtime, pool gauges).
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// RegisterPoolGauges exposes the connection pool introspection hooks.
func (r *Registry) RegisterPoolGauges(size, active func() int) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_pool_size",
			Help: "Number of routers the connection pool manages.",
		}, func() float64 { return float64(size()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_pool_active",
			Help: "Number of live authenticated connections in the pool.",
		}, func() float64 { return float64(active()) }),
	)
}

// InitRouter pre-registers the service series for a router so counters exist
// at 0 before the first tick.
func (r *Registry) InitRouter(name string) {
	r.ScrapeSuccess.WithLabelValues(name)
	r.ScrapeErrors.WithLabelValues(name)
	r.ConsecutiveErrors.WithLabelValues(name)
}

// UpdateDevice atomically replaces the router's entire content-derived
// row-set with the result of a successful tick.
func (r *Registry) UpdateDevice(router string, d *collector.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[router] = d
}

// Device returns the router's current snapshot, or nil.
func (r *Registry) Device(router string) *collector.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[router]
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.ifaceRxBytes
	ch <- r.ifaceTxBytes
	ch <- r.ifaceRxPackets
	ch <- r.ifaceTxPackets
	ch <- r.ifaceRxErrors
	ch <- r.ifaceTxErrors
	ch <- r.ifaceRunning
	ch <- r.cpuLoad
	ch <- r.freeMemory
	ch <- r.totalMemory
	ch <- r.uptime
	ch <- r.systemInfo
	ch <- r.conntrackCount
	ch <- r.wgRxBytes
	ch <- r.wgTxBytes
	ch <- r.wgHandshake
}

// Collect implements prometheus.Collector. Every sample comes off the
// snapshot a router's last successful tick installed; a router mid-update is
// observed either entirely before or entirely after the swap.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for router, d := range r.devices {
		for _, iface := range d.Interfaces {
			counter := func(desc *prometheus.Desc, v uint64) {
				ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), router, iface.Name)
			}
			counter(r.ifaceRxBytes, iface.RxBytes)
			counter(r.ifaceTxBytes, iface.TxBytes)
			counter(r.ifaceRxPackets, iface.RxPackets)
			counter(r.ifaceTxPackets, iface.TxPackets)
			counter(r.ifaceRxErrors, iface.RxErrors)
			counter(r.ifaceTxErrors, iface.TxErrors)

			running := 0.0
			if iface.Running {
				running = 1.0
			}
			ch <- prometheus.MustNewConstMetric(r.ifaceRunning, prometheus.GaugeValue, running, router, iface.Name)
		}

		if res := d.Resource; res != nil {
			ch <- prometheus.MustNewConstMetric(r.cpuLoad, prometheus.GaugeValue, res.CPULoad, router)
			ch <- prometheus.MustNewConstMetric(r.freeMemory, prometheus.GaugeValue, res.FreeMemory, router)
			ch <- prometheus.MustNewConstMetric(r.totalMemory, prometheus.GaugeValue, res.TotalMemory, router)
			if res.HasUptime {
				ch <- prometheus.MustNewConstMetric(r.uptime, prometheus.GaugeValue, res.UptimeSeconds, router)
			}
		}

		if info := d.Info; info != nil {
			ch <- prometheus.MustNewConstMetric(r.systemInfo, prometheus.GaugeValue, 1, router, info.Version, info.Board)
		}

		for _, ct := range d.Conntrack {
			ch <- prometheus.MustNewConstMetric(r.conntrackCount, prometheus.GaugeValue, ct.Count, router, ct.SrcAddress, ct.Protocol, ct.IPVersion)
		}

		for _, peer := range d.Peers {
			labels := []string{router, peer.Interface, peer.Name, peer.AllowedAddress, peer.Endpoint}
			ch <- prometheus.MustNewConstMetric(r.wgRxBytes, prometheus.GaugeValue, peer.RxBytes, labels...)
			ch <- prometheus.MustNewConstMetric(r.wgTxBytes, prometheus.GaugeValue, peer.TxBytes, labels...)
			if peer.HasHandshake {
				ch <- prometheus.MustNewConstMetric(r.wgHandshake, prometheus.GaugeValue, peer.LastHandshake, labels...)
			}
		}
	}
}
