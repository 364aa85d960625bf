package providers

import (
	"context"

	"github.com/eb4x/puppet-ironic/pkg/engine"
)

// AnchorProvider handles lifecycle checkpoints, which have no state.
type AnchorProvider struct{}

// Check implements engine.Provider.
func (AnchorProvider) Check(context.Context, *engine.Intent) ([]engine.Change, error) {
	return nil, nil
}

// Apply implements engine.Provider.
func (AnchorProvider) Apply(context.Context, *engine.Intent, []engine.Change) error {
	return nil
}
