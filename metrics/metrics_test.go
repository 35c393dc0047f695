package metrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/eular/utp/metrics"
)

// touch every collector so vectors materialize at least one child.
func touchAll() {
	metrics.PacketsSent.Inc()
	metrics.PacketsReceived.Inc()
	metrics.PacketsLost.Inc()
	metrics.RetransmittedBytes.Add(1)
	metrics.AcksSent.Inc()
	metrics.AEADFailures.Inc()
	metrics.DecodeErrors.WithLabelValues("header").Inc()
	metrics.ConnectionsEstablished.Inc()
	metrics.ConnectionsClosed.WithLabelValues("NoError").Inc()
	metrics.OpenConnections.Set(1)
	metrics.BBRModeTransitions.WithLabelValues("StartUp", "Drain").Inc()
	metrics.PTOFired.Inc()
	metrics.RTTHistogram.Observe(0.05)
	metrics.MTUProbes.WithLabelValues("acked").Inc()
	metrics.MSSInstalled.Observe(1400)
	metrics.PathMigrations.Inc()
	metrics.PathValidations.Inc()
	metrics.FlowEventsCounter.WithLabelValues("open").Inc()
	metrics.ErrorCount.WithLabelValues("test").Inc()
}

func TestAllMetricsRegistered(t *testing.T) {
	touchAll()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal("Could not gather metrics:", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	expected := []string{
		"utp_packets_sent_total",
		"utp_packets_received_total",
		"utp_packets_lost_total",
		"utp_retransmitted_bytes_total",
		"utp_acks_sent_total",
		"utp_aead_failures_total",
		"utp_decode_errors_total",
		"utp_connections_established_total",
		"utp_connections_closed_total",
		"utp_open_connections",
		"utp_bbr_mode_transitions_total",
		"utp_pto_fired_total",
		"utp_rtt_seconds",
		"utp_mtu_probes_total",
		"utp_mss_installed_bytes",
		"utp_path_migrations_total",
		"utp_path_validations_total",
		"utp_flow_events_total",
		"utp_error_total",
	}
	for _, name := range expected {
		mf, ok := byName[name]
		if !ok {
			t.Error("metric family missing:", name)
			continue
		}
		if mf.GetHelp() == "" {
			t.Error("metric has no help string:", name)
		}
		// Counter names should follow the _total convention and vice versa.
		if mf.GetType() == dto.MetricType_COUNTER && !strings.HasSuffix(name, "_total") {
			t.Error("counter without _total suffix:", name)
		}
	}
}
