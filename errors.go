package conduit

import "errors"

// Sentinel errors returned by Conduit operations.
var (
	// ErrNoStore is returned when a Gateway is created without a store.
	ErrNoStore = errors.New("conduit: store is required")

	// ErrIntegrationNotFound is returned when an integration cannot be found.
	ErrIntegrationNotFound = errors.New("conduit: integration not found")

	// ErrTraceNotFound is returned when an execution trace cannot be found.
	ErrTraceNotFound = errors.New("conduit: execution trace not found")

	// ErrDLQNotFound is returned when a DLQ entry cannot be found or is not
	// in a claimable state.
	ErrDLQNotFound = errors.New("conduit: dlq entry not found")

	// ErrPendingNotFound is returned when a scheduled delivery cannot be found.
	ErrPendingNotFound = errors.New("conduit: pending delivery not found")

	// ErrJobNotFound is returned when a scheduled job cannot be found.
	ErrJobNotFound = errors.New("conduit: scheduled job not found")

	// ErrLookupNotFound is returned when a lookup table cannot be found.
	ErrLookupNotFound = errors.New("conduit: lookup table not found")

	// ErrSourceConfigNotFound is returned when an org has no event source
	// configured.
	ErrSourceConfigNotFound = errors.New("conduit: source config not found")

	// ErrStoreClosed is returned when a store operation is attempted after
	// the store is closed.
	ErrStoreClosed = errors.New("conduit: store is closed")

	// ErrMigrationFailed is returned when index migration fails.
	ErrMigrationFailed = errors.New("conduit: migration failed")

	// ErrGatewayClosed is returned when an operation is attempted on a
	// stopped Gateway.
	ErrGatewayClosed = errors.New("conduit: gateway is stopped")
)
