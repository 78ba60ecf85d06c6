package db

import (
	"context"
)

func (j *Journal) Ping(ctx context.Context) error {
	var result int
	return j.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
