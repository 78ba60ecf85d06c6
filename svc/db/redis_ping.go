package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Ping checks the connection and that the server still accepts writes.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return errors.Wrap(r.client.Set(ctx, "drawchain:health", "ok", 5*time.Second).Err(), "redis write probe")
}
