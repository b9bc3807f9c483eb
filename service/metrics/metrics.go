// Package metrics holds the Prometheus collectors for the service.
// Following the explicit dependency injection pattern, a *Metrics is passed
// to every component that records; a nil *Metrics disables recording.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
type Metrics struct {
	// Solana RPC metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec

	// Request pipeline metrics
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	transactionsSigned   *prometheus.CounterVec
	policyRejections     *prometheus.CounterVec
	paymentRejections    *prometheus.CounterVec
	feeLamportsEstimated *prometheus.HistogramVec
	rateLimitHits        *prometheus.CounterVec
	authFailures         *prometheus.CounterVec

	// Signer metrics
	signerOperations *prometheus.CounterVec
	signerDuration   *prometheus.HistogramVec
	feePayerBalance  *prometheus.GaugeVec

	// Cache metrics
	cacheOperations *prometheus.CounterVec

	// Oracle metrics
	oracleRequests *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kora_solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_rpc_requests_total",
				Help: "Total number of JSON-RPC requests by method and outcome",
			},
			[]string{"method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kora_rpc_request_duration_seconds",
				Help:    "Duration of JSON-RPC request handling in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method"},
		),
		transactionsSigned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_transactions_signed_total",
				Help: "Total number of transactions signed by signer name",
			},
			[]string{"signer", "submitted"},
		),
		policyRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_policy_rejections_total",
				Help: "Total number of transactions rejected by the policy engine",
			},
			[]string{"rule"},
		),
		paymentRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_payment_rejections_total",
				Help: "Total number of transactions rejected by payment verification",
			},
			[]string{"reason"},
		),
		feeLamportsEstimated: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kora_fee_lamports_estimated",
				Help:    "Estimated transaction fees in lamports",
				Buckets: []float64{5_000, 10_000, 50_000, 100_000, 500_000, 1_000_000, 10_000_000},
			},
			[]string{"price_model"},
		),
		rateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_rate_limit_hits_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"client"},
		),
		authFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_auth_failures_total",
				Help: "Total number of requests rejected by auth middleware",
			},
			[]string{"scheme"},
		),
		signerOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_signer_operations_total",
				Help: "Total number of signing operations by signer and status",
			},
			[]string{"signer", "backend", "status"},
		),
		signerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kora_signer_operation_duration_seconds",
				Help:    "Duration of signing operations in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"signer", "backend"},
		),
		feePayerBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kora_fee_payer_balance_lamports",
				Help: "Current lamport balance of each fee payer in the pool",
			},
			[]string{"signer", "address"},
		),
		cacheOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_cache_operations_total",
				Help: "Total number of cache operations by kind and result",
			},
			[]string{"operation", "result"},
		),
		oracleRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kora_oracle_requests_total",
				Help: "Total number of price oracle requests by source and status",
			},
			[]string{"source", "status"},
		),
	}
}

// RecordRPCCall records a Solana RPC call with its duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordRequest records a JSON-RPC request outcome with its duration.
func (m *Metrics) RecordRequest(method, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordTransactionSigned records a completed signing operation.
func (m *Metrics) RecordTransactionSigned(signer string, submitted bool) {
	if m == nil {
		return
	}
	label := "false"
	if submitted {
		label = "true"
	}
	m.transactionsSigned.WithLabelValues(signer, label).Inc()
}

// RecordPolicyRejection records a policy engine rejection by rule id.
func (m *Metrics) RecordPolicyRejection(rule string) {
	if m == nil {
		return
	}
	m.policyRejections.WithLabelValues(rule).Inc()
}

// RecordPaymentRejection records a payment verification failure.
func (m *Metrics) RecordPaymentRejection(reason string) {
	if m == nil {
		return
	}
	m.paymentRejections.WithLabelValues(reason).Inc()
}

// RecordFeeEstimate records an estimated fee in lamports.
func (m *Metrics) RecordFeeEstimate(priceModel string, lamports uint64) {
	if m == nil {
		return
	}
	m.feeLamportsEstimated.WithLabelValues(priceModel).Observe(float64(lamports))
}

// RecordRateLimitHit records a rate-limited request.
func (m *Metrics) RecordRateLimitHit(client string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(client).Inc()
}

// RecordAuthFailure records an auth middleware rejection.
func (m *Metrics) RecordAuthFailure(scheme string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(scheme).Inc()
}

// RecordSignerOperation records a signing backend call with its duration.
func (m *Metrics) RecordSignerOperation(signer, backend, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.signerOperations.WithLabelValues(signer, backend, status).Inc()
	m.signerDuration.WithLabelValues(signer, backend).Observe(durationSeconds)
}

// SetFeePayerBalance updates the balance gauge for a pool entry.
func (m *Metrics) SetFeePayerBalance(signer, address string, lamports uint64) {
	if m == nil {
		return
	}
	m.feePayerBalance.WithLabelValues(signer, address).Set(float64(lamports))
}

// RecordCacheOperation records a cache hit, miss, set, or delete.
func (m *Metrics) RecordCacheOperation(operation, result string) {
	if m == nil {
		return
	}
	m.cacheOperations.WithLabelValues(operation, result).Inc()
}

// RecordOracleRequest records a price oracle fetch.
func (m *Metrics) RecordOracleRequest(source, status string) {
	if m == nil {
		return
	}
	m.oracleRequests.WithLabelValues(source, status).Inc()
}
