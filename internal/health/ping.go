package health

import "context"

// HealthPinger is the probe a storage backend exposes to this package.
// A nil return means the backend answered.
type HealthPinger interface {
	HealthPing(ctx context.Context) error
}
