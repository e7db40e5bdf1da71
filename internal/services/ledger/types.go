package ledger

import (
	"encoding/json"
	"math"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Mode selects how an earn feeds tier progression.
type Mode string

const (
	// ModePoints credits points directly; cumulative spend and tier inputs are untouched.
	ModePoints Mode = "POINTS"
	// ModeSpend converts a currency amount with the program multiplier and
	// grows cumulative spend by the points credited.
	ModeSpend Mode = "SPEND"
)

type EarnInput struct {
	ExternalID string
	Mode       Mode
	Points     int64           // ModePoints
	Currency   decimal.Decimal // ModeSpend, in major currency units
	Token      string
	Reference  string
	Metadata   json.RawMessage
}

type RedeemInput struct {
	ExternalID string
	Points     int64
	Token      string
	Reference  string
	Metadata   json.RawMessage
}

// AdjustInput is an operator correction. Delta is signed.
type AdjustInput struct {
	ExternalID string
	Delta      int64
	Reason     string
	Token      string
	Reference  string
	Metadata   json.RawMessage
}

// Result describes one committed ledger mutation.
type Result struct {
	MemberID        string        `json:"memberId"`
	ExternalID      string        `json:"externalMemberId"`
	TransactionID   string        `json:"transactionId"`
	Action          domain.Action `json:"action"`
	Amount          int64         `json:"amount"`
	PreviousBalance int64         `json:"previousBalance"`
	NewBalance      int64         `json:"newBalance"`
	PreviousTier    domain.Tier   `json:"previousTier"`
	NewTier         domain.Tier   `json:"newTier"`
	CumulativeSpend int64         `json:"cumulativeSpend"`
	WalletPassURL   string        `json:"walletPassUrl,omitempty"`
	IsNewMember     bool          `json:"isNewMember"`
	TierUpgraded    bool          `json:"tierUpgraded"`
}

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// PointsForSpend is floor(currency × multiplier). Products that do not fit in
// an int64 fail with ErrInvalidAmount.
func PointsForSpend(currency, multiplier decimal.Decimal) (int64, error) {
	points := currency.Mul(multiplier).Floor()
	if points.GreaterThan(maxPoints) {
		return 0, domain.ErrInvalidAmount.With("spend amount is too large", nil)
	}

	return points.IntPart(), nil
}
