package constants

// Postgres advisory lock ids. One instance at a time runs a migration
// or a reconciliation sweep; dispatch itself needs no lock because the
// ledger claim is a conditional update.
const (
	MigrationLock = iota
	RecoveryLock
	QuotaResetLock
)

const (
	// MaxProxyFailures disables an endpoint once reached.
	MaxProxyFailures = 10

	// QuotaWarningThreshold triggers the near-limit warning event.
	QuotaWarningThreshold = 2

	// DefaultMaxAttempts is the attempt budget recorded on new jobs.
	DefaultMaxAttempts = 3
)
