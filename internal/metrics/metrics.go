// Package metrics holds the prometheus collectors shared by the piecework packages. They're
// registered with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "piecework"

var (
	PiecesVerified = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pieces_verified_total",
		Help:      "Pieces that passed digest verification for the first time.",
	})
	VerifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verify_failures_total",
		Help:      "Piece verifications that didn't match the expected digest.",
	})
	VerifyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verify_errors_total",
		Help:      "Piece verifications that failed to read the data.",
	})
	BlocksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_received_total",
		Help:      "Blocks accepted from peers and written to storage.",
	})
	BlocksDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_discarded_total",
		Help:      "Blocks received from peers and dropped without writing.",
	}, []string{"reason"})
	RequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_sent_total",
		Help:      "Block requests sent to peers.",
	})
	AssignmentsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assignments_timed_out_total",
		Help:      "Piece assignments abandoned after exceeding the assignment timeout.",
	})
	EndgamePolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "endgame_polls_total",
		Help:      "Piece assignments handed out without exclusivity in endgame.",
	})
	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_peers",
		Help:      "Peers currently registered with a torrent.",
	})
)
