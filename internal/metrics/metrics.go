// SPDX-License-Identifier: GPL-2.0-only

// Package metrics wraps the Prometheus collectors the daemon exposes on its
// /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gauges and counters the Assignment Engine reports to on
// every reactor loop iteration.
type Metrics struct {
	ExportedDevices   prometheus.Gauge
	ConnectedClients  prometheus.Gauge
	BindOpsTotal      prometheus.Counter
	AttachPushesTotal prometheus.Counter
}

// New builds a Metrics and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExportedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usbip_assignd",
			Name:      "exported_devices",
			Help:      "Number of devices currently exported for USB/IP attachment.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usbip_assignd",
			Name:      "connected_clients",
			Help:      "Number of client agents with a live control-socket session.",
		}),
		BindOpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbip_assignd",
			Name:      "bind_operations_total",
			Help:      "Total number of usbip bind attempts issued by the tool driver.",
		}),
		AttachPushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbip_assignd",
			Name:      "attach_pushes_total",
			Help:      "Total number of bound frames successfully delivered to a client.",
		}),
	}
	reg.MustRegister(m.ExportedDevices, m.ConnectedClients, m.BindOpsTotal, m.AttachPushesTotal)
	return m
}

// SetExportedDevices implements engine.Metrics.
func (m *Metrics) SetExportedDevices(n int) { m.ExportedDevices.Set(float64(n)) }

// SetConnectedClients implements engine.Metrics.
func (m *Metrics) SetConnectedClients(n int) { m.ConnectedClients.Set(float64(n)) }

// IncBindOps implements engine.Metrics.
func (m *Metrics) IncBindOps() { m.BindOpsTotal.Inc() }

// IncAttachPushes implements engine.Metrics.
func (m *Metrics) IncAttachPushes() { m.AttachPushesTotal.Inc() }
