// Package metrics contains all application-logic metrics.
package metrics

import "github.com/VictoriaMetrics/metrics"

var (
	admissionsReceived = metrics.NewCounter("relay_admissions_received_total")
	admissionsAccepted = metrics.NewCounter("relay_admissions_accepted_total")
	admissionsRejected = metrics.NewCounter(`relay_admissions_rejected_total{reason="unknown"}`)

	registrationTransitions = metrics.NewCounter("relay_registration_transitions_total")
	registrationErrors      = metrics.NewCounter("relay_registration_errors_total")

	reconcileTicks       = metrics.NewCounter("relay_reconcile_ticks_total")
	reconcileTickErrors  = metrics.NewCounter("relay_reconcile_tick_errors_total")
	reconcileTickSkipped = metrics.NewCounter("relay_reconcile_tick_skipped_total")

	boostsPerformed        = metrics.NewCounter("relay_boosts_performed_total")
	transactionsConfirmed  = metrics.NewCounter("relay_transactions_confirmed_total")
	transactionsSent       = metrics.NewCounter("relay_transactions_sent_total")
	queueFullRetryJobs     = metrics.NewCounter("relay_retryqueue_full_total")
	queueStaleItemsDropped = metrics.NewCounter("relay_retryqueue_stale_dropped_total")

	readyGauge   = metrics.NewCounter("relay_ready")
	alertedGauge = metrics.NewCounter("relay_alerted")
)

func IncAdmissionsReceived() {
	admissionsReceived.Inc()
}

func IncAdmissionsAccepted() {
	admissionsAccepted.Inc()
}

// IncAdmissionsRejected increments a per-reason rejection counter, creating it lazily.
// reason should be a short, stable identifier (e.g. "stake_insufficient", "nonce_gap").
func IncAdmissionsRejected(reason string) {
	metrics.GetOrCreateCounter(`relay_admissions_rejected_total{reason="` + reason + `"}`).Inc()
	admissionsRejected.Inc()
}

func IncRegistrationTransitions() {
	registrationTransitions.Inc()
}

func IncRegistrationErrors() {
	registrationErrors.Inc()
}

func IncReconcileTicks() {
	reconcileTicks.Inc()
}

func IncReconcileTickErrors() {
	reconcileTickErrors.Inc()
}

func IncReconcileTickSkipped() {
	reconcileTickSkipped.Inc()
}

func IncBoostsPerformed() {
	boostsPerformed.Inc()
}

func IncTransactionsConfirmed(n int) {
	transactionsConfirmed.Add(n)
}

func IncTransactionsSent() {
	transactionsSent.Inc()
}

func IncQueueFullRetryJobs() {
	queueFullRetryJobs.Inc()
}

func IncQueueStaleItemsDropped() {
	queueStaleItemsDropped.Inc()
}

// SetReady reports the server's readiness as seen by the reconciliation loop.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
	} else {
		readyGauge.Set(0)
	}
}

// SetAlerted reports whether the reconciliation loop is in the alerted state.
func SetAlerted(alerted bool) {
	if alerted {
		alertedGauge.Set(1)
	} else {
		alertedGauge.Set(0)
	}
}
