// Package metrics exposes the node's counters and gauges through go-kit's
// metrics interfaces, backed by the prometheus client. internal/node
// holds a *Metrics and updates it alongside the effects it already
// interprets.
package metrics

import (
	kitmetrics "github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every counter and gauge the node updates. Field names
// mirror the scheduler task and peer lifecycle events that drive them.
type Metrics struct {
	PeersConnected     kitmetrics.Gauge
	CandidatesKnown    kitmetrics.Gauge
	HandshakesOK       kitmetrics.Counter
	HandshakesFailed   kitmetrics.Counter
	MessagesReceived   kitmetrics.Counter
	MessagesSent       kitmetrics.Counter
	FrameChecksumFails kitmetrics.Counter
	BlocksAccepted     kitmetrics.Counter
	HeadersAccepted    kitmetrics.Counter
	PingsTimedOut      kitmetrics.Counter
}

const namespace = "btcp2p"

// New builds every metric, registering each against the prometheus
// default registry via go-kit's adapter.
func New() *Metrics {
	gauge := func(name, help string) kitmetrics.Gauge {
		return kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "node", Name: name, Help: help,
		}, nil)
	}
	counter := func(name, help string) kitmetrics.Counter {
		return kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: name, Help: help,
		}, nil)
	}

	return &Metrics{
		PeersConnected:     gauge("peers_connected", "Number of slots currently Ready."),
		CandidatesKnown:    gauge("candidates_known", "Number of candidates in the registry."),
		HandshakesOK:       counter("handshakes_ok_total", "Handshakes that reached Ready."),
		HandshakesFailed:   counter("handshakes_failed_total", "Handshakes that were replaced before completion."),
		MessagesReceived:   counter("messages_received_total", "Wire messages decoded from peers."),
		MessagesSent:       counter("messages_sent_total", "Wire messages written to peers."),
		FrameChecksumFails: counter("frame_checksum_fails_total", "Frame codec errors (overflow or bad header) that replaced the peer; checksum mismatches are not counted."),
		BlocksAccepted:     counter("blocks_accepted_total", "Blocks accepted by the chain store."),
		HeadersAccepted:    counter("headers_accepted_total", "Headers accepted by the chain store."),
		PingsTimedOut:      counter("pings_timed_out_total", "Pings that never received a matching pong."),
	}
}
