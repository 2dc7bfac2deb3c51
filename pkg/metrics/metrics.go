// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DonationLegsTotal counts executed legs by outcome and error code
	DonationLegsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_legs_total",
			Help: "Total number of executed donation legs",
		},
		[]string{"status", "code"},
	)

	// DonationBatchesTotal counts checkout batches by outcome
	DonationBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_batches_total",
			Help: "Total number of donation batches by outcome",
		},
		[]string{"outcome"},
	)

	// DonationBatchDuration tracks how long a batch takes end to end
	DonationBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "donation_batch_duration_seconds",
			Help:    "Duration of donation batch execution",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	// ApprovalsTotal counts token approvals by final status
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_approvals_total",
			Help: "Total number of token approvals by status",
		},
		[]string{"status"},
	)

	// ChainSwitchAttempts tracks attempts needed to confirm a chain switch
	ChainSwitchAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "donation_chain_switch_attempts",
			Help:    "Verification attempts per chain switch",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"result"},
	)

	// PayoutLookupsTotal counts payout address lookups by result
	PayoutLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_payout_lookups_total",
			Help: "Payout address lookups by result",
		},
		[]string{"result"},
	)

	// BackendRequestsTotal counts calls to the project backend
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_backend_requests_total",
			Help: "Requests to the project backend by operation and result",
		},
		[]string{"operation", "result"},
	)

	// CartOperationsTotal counts cart mutations
	CartOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_cart_operations_total",
			Help: "Cart mutations by operation",
		},
		[]string{"operation"},
	)

	// HTTPRequestsTotal counts API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks API latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
