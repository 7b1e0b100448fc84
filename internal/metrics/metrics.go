// Package metrics carries the ambient observability surface: counters
// and gauges for the sync pipeline, registered against a
// prometheus.Registerer the way poyrazK-cloudDNS's metrics package
// instruments its own DNS service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge this module emits.
type Metrics struct {
	ZonesRegistered     prometheus.Gauge
	ForwardZones        prometheus.Gauge
	TasksDispatched     *prometheus.CounterVec
	DiffTuplesApplied   *prometheus.CounterVec
	SerialBumps         prometheus.Counter
	DiffDiscarded       prometheus.Counter
	Reconnects          prometheus.Counter
	ReconnectFailures   prometheus.Counter
	PTRSyncFailures     *prometheus.CounterVec
	WritebackRetries    prometheus.Counter
	JournalTransactions *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
}

// New creates and registers every metric against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ZonesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonesync", Name: "zones_registered", Help: "Number of master zones currently registered.",
		}),
		ForwardZones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonesync", Name: "forward_zones", Help: "Number of forward zones currently installed.",
		}),
		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonesync", Name: "tasks_dispatched_total", Help: "Entry events routed to a handler, by class.",
		}, []string{"class"}),
		DiffTuplesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonesync", Name: "diff_tuples_applied_total", Help: "Diff tuples applied to a zone database, by op.",
		}, []string{"op"}),
		SerialBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonesync", Name: "serial_bumps_total", Help: "Times a zone's SOA serial was synthesized or rewritten.",
		}),
		DiffDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonesync", Name: "diff_discarded_total", Help: "Diffs discarded as a spurious backward-serial echo.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonesync", Name: "reconnects_total", Help: "Successful directory (re)connections.",
		}),
		ReconnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonesync", Name: "reconnect_failures_total", Help: "Failed directory bind attempts.",
		}),
		PTRSyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonesync", Name: "ptr_sync_failures_total", Help: "PTR sync validation failures, by reason.",
		}, []string{"reason"}),
		WritebackRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zonesync", Name: "writeback_retries_total", Help: "Write-back modify operations retried after reconnect.",
		}),
		JournalTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonesync", Name: "journal_transactions_total", Help: "Journal transactions written, by zone origin.",
		}, []string{"origin"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonesync", Name: "queue_depth", Help: "Pending tasks on a zone or instance queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		m.ZonesRegistered, m.ForwardZones, m.TasksDispatched, m.DiffTuplesApplied,
		m.SerialBumps, m.DiffDiscarded, m.Reconnects, m.ReconnectFailures,
		m.PTRSyncFailures, m.WritebackRetries, m.JournalTransactions, m.QueueDepth,
	)
	return m
}
