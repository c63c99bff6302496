package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerOperationsTotal counts ledger operations by operation and outcome
	LedgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatledger_operations_total",
		Help: "Total ledger operations by operation and outcome",
	}, []string{"operation", "outcome"})

	// LedgerOperationDuration tracks ledger operation latency including retries
	LedgerOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seatledger_operation_duration_seconds",
		Help:    "Ledger operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	}, []string{"operation"})

	// LedgerRetriesTotal counts storage conflicts that were retried
	LedgerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatledger_retries_total",
		Help: "Storage conflicts retried by the ledger",
	}, []string{"operation"})

	// SeatCompensationsTotal counts seats released or restored because the membership write failed
	SeatCompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatledger_compensations_total",
		Help: "Seat compensations after a failed membership write, by result",
	}, []string{"result"})

	// PurchaseEventsTotal counts payment webhook events by outcome
	PurchaseEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seatledger_purchase_events_total",
		Help: "Payment confirmation events by outcome",
	}, []string{"outcome"})

	InvitationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seatledger_invitations_expired_total",
		Help: "Pending invitations revoked after expiry",
	})
)
