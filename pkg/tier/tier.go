// Package tier holds quota and capability rules per account tier.
package tier

import (
	"drawchain/pkg/domain"

	"github.com/pkg/errors"
)

type Limits struct {
	MaxDocuments         int  `json:"max_documents"`
	MaxSizeKB            int  `json:"max_size_kb"`
	DefaultRetentionDays int  `json:"default_retention_days"`
	MaxRetentionDays     int  `json:"max_retention_days"`
	CanShare             bool `json:"can_share"`
	CanEncrypt           bool `json:"can_encrypt"`
}

var defaults = map[domain.Tier]Limits{
	domain.TierFree: {
		MaxDocuments:         5,
		MaxSizeKB:            512,
		DefaultRetentionDays: 7,
		MaxRetentionDays:     30,
	},
	domain.TierCustodial: {
		MaxDocuments:         50,
		MaxSizeKB:            2048,
		DefaultRetentionDays: 30,
		MaxRetentionDays:     180,
		CanShare:             true,
		CanEncrypt:           true,
	},
	domain.TierWallet: {
		MaxDocuments:         1000,
		MaxSizeKB:            10240,
		DefaultRetentionDays: 90,
		MaxRetentionDays:     365,
		CanShare:             true,
		CanEncrypt:           true,
	},
}

type Policy struct {
	limits map[domain.Tier]Limits
}

func Default() *Policy {
	return New(nil)
}

// New starts from the built-in table and applies overrides.
func New(overrides map[domain.Tier]Limits) *Policy {
	m := make(map[domain.Tier]Limits, len(defaults))
	for k, v := range defaults {
		m[k] = v
	}
	for k, v := range overrides {
		m[k] = v
	}
	return &Policy{limits: m}
}

// LimitsFor falls back to FREE for unknown tiers.
func (p *Policy) LimitsFor(t domain.Tier) Limits {
	if l, ok := p.limits[t]; ok {
		return l
	}
	return p.limits[domain.TierFree]
}

func (p *Policy) ValidateSave(t domain.Tier, sizeKB, currentCount int) error {
	l := p.LimitsFor(t)
	if currentCount >= l.MaxDocuments {
		return errors.Wrapf(domain.ErrDocumentLimit, "%s tier allows %d documents, account has %d", t, l.MaxDocuments, currentCount)
	}
	if sizeKB > l.MaxSizeKB {
		return errors.Wrapf(domain.ErrDocumentTooLarge, "%s tier allows %d KB, document is %d KB", t, l.MaxSizeKB, sizeKB)
	}
	return nil
}

func (p *Policy) ClampRetention(t domain.Tier, days int) int {
	l := p.LimitsFor(t)
	if days < 1 {
		return 1
	}
	if days > l.MaxRetentionDays {
		return l.MaxRetentionDays
	}
	return days
}

// Retention resolves an optional request into a clamped day count.
func (p *Policy) Retention(t domain.Tier, requested *int) int {
	if requested == nil {
		return p.ClampRetention(t, p.LimitsFor(t).DefaultRetentionDays)
	}
	return p.ClampRetention(t, *requested)
}

func (p *Policy) CanEncrypt(t domain.Tier) bool { return p.LimitsFor(t).CanEncrypt }
func (p *Policy) CanShare(t domain.Tier) bool   { return p.LimitsFor(t).CanShare }
