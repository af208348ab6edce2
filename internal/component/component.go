// Package component holds the lifecycle capability shared by the client-side
// managers (gateway, store, controller).
package component

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Manager interface {
	Init(ctx context.Context) error
	Log() *zap.Logger
	Destroy() error
}

// InitAll initializes managers in order and stops at the first failure,
// destroying the ones already initialized.
func InitAll(ctx context.Context, managers ...Manager) error {
	for i, m := range managers {
		if err := m.Init(ctx); err != nil {
			return multierr.Append(err, DestroyAll(managers[:i]...))
		}
		m.Log().Debug("manager initialized")
	}
	return nil
}

// DestroyAll destroys managers in reverse order and aggregates their errors.
func DestroyAll(managers ...Manager) error {
	var err error
	for i := len(managers) - 1; i >= 0; i-- {
		err = multierr.Append(err, managers[i].Destroy())
	}
	return err
}
