package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Tier string

const (
	TierBronze   Tier = "BRONZE"
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// Rank orders tiers Bronze < Silver < Gold < Platinum. Unknown tiers rank 0.
func (t Tier) Rank() int {
	switch t {
	case TierBronze:
		return 1
	case TierSilver:
		return 2
	case TierGold:
		return 3
	case TierPlatinum:
		return 4
	default:
		return 0
	}
}

func (t Tier) Valid() bool { return t.Rank() > 0 }

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}

	return t, nil
}

// Thresholds are the cumulative-spend cutoffs at which a member enters a tier.
// Bronze always starts at zero.
type Thresholds struct {
	Silver   int64
	Gold     int64
	Platinum int64
}

var ErrInvalidThresholds = errors.New("invalid tier thresholds")

func (th Thresholds) Validate() error {
	if th.Silver <= 0 {
		return fmt.Errorf("%w: silver cutoff must be > 0", ErrInvalidThresholds)
	}

	if th.Gold < th.Silver || th.Platinum < th.Gold {
		return fmt.Errorf("%w: cutoffs must be non-decreasing (silver=%d gold=%d platinum=%d)",
			ErrInvalidThresholds, th.Silver, th.Gold, th.Platinum)
	}

	return nil
}

// TierFor derives the tier implied by cumulative spend. It is a pure function of
// (thresholds, spend) so replays always agree.
func (th Thresholds) TierFor(spend int64) Tier {
	switch {
	case spend >= th.Platinum && th.Platinum > 0:
		return TierPlatinum
	case spend >= th.Gold && th.Gold > 0:
		return TierGold
	case spend >= th.Silver && th.Silver > 0:
		return TierSilver
	default:
		return TierBronze
	}
}
