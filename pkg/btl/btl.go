// Package btl converts human retention periods into the entity store's
// block-based lifetime and back into the expiry seconds sent with a write.
package btl

import "time"

const (
	DefaultBlockTime = 2
	secondsPerDay    = 86400
)

type Calculator struct {
	blockTime int64
}

func New(blockTimeSeconds int64) Calculator {
	if blockTimeSeconds < 1 {
		blockTimeSeconds = DefaultBlockTime
	}
	return Calculator{blockTime: blockTimeSeconds}
}

func (c Calculator) BlockTime() int64 { return c.blockTime }

// DaysToBlocks never returns less than one block.
func (c Calculator) DaysToBlocks(days int) int64 {
	if days <= 0 {
		return 1
	}
	units := int64(days) * secondsPerDay / c.blockTime
	if units < 1 {
		return 1
	}
	return units
}

// BlocksToSeconds never returns less than one block time.
func (c Calculator) BlocksToSeconds(units int64) int64 {
	s := units * c.blockTime
	if s < c.blockTime {
		return c.blockTime
	}
	return s
}

func (c Calculator) ExpirySeconds(days int) int64 {
	return c.BlocksToSeconds(c.DaysToBlocks(days))
}

func (c Calculator) Lifetime(days int) time.Duration {
	return time.Duration(c.ExpirySeconds(days)) * time.Second
}
