package integration

import (
	"context"

	"github.com/xraph/conduit/id"
)

// Store defines the persistence contract for integration configurations.
type Store interface {
	// CreateIntegration persists a new integration version.
	CreateIntegration(ctx context.Context, in *Integration) error

	// UpdateIntegration replaces an integration document.
	UpdateIntegration(ctx context.Context, in *Integration) error

	// GetIntegration returns an integration by ID.
	GetIntegration(ctx context.Context, intgID id.ID) (*Integration, error)

	// ListIntegrations returns integrations for an org.
	ListIntegrations(ctx context.Context, orgID int32, opts ListOpts) ([]*Integration, error)

	// ListDefaults returns the active default versions for an org and
	// direction, in insertion order. This is the matcher's read model.
	ListDefaults(ctx context.Context, orgID int32, dir Direction) ([]*Integration, error)

	// SwapDefault atomically moves the default flag for (orgID, name) to
	// the given version. Clears the flag on the previous default in the
	// same transaction so the one-default invariant holds at all times.
	SwapDefault(ctx context.Context, orgID int32, name string, intgID id.ID) error

	// DeleteIntegration removes an integration version.
	DeleteIntegration(ctx context.Context, intgID id.ID) error
}
