package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/services/ledger"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type OpType string

const (
	OpLookup OpType = "LOOKUP"
	OpEarn   OpType = "EARN"
	OpRedeem OpType = "REDEEM"
	OpAdjust OpType = "ADJUST"
)

// TransactionRequest is the wire body of POST /v1/transactions. Parse turns
// it into exactly one Operation variant.
type TransactionRequest struct {
	Type             OpType           `json:"type" validate:"required,oneof=LOOKUP EARN REDEEM ADJUST"`
	ExternalMemberID string           `json:"externalMemberId" validate:"required,max=128"`
	Amount           *int64           `json:"amount,omitempty"`
	CurrencyAmount   *decimal.Decimal `json:"currencyAmount,omitempty"`
	Reference        string           `json:"reference,omitempty" validate:"max=128"`
	Reason           string           `json:"reason,omitempty" validate:"max=512"`
	Metadata         json.RawMessage  `json:"metadata,omitempty"`
	IdempotencyKey   string           `json:"idempotencyKey,omitempty" validate:"max=255"`
}

// Operation is one of Lookup, Earn, Redeem, Adjust.
type Operation interface {
	Type() OpType
}

type Lookup struct {
	ExternalID string
}

type Earn struct{ ledger.EarnInput }

type Redeem struct{ ledger.RedeemInput }

type Adjust struct{ ledger.AdjustInput }

func (Lookup) Type() OpType { return OpLookup }
func (Earn) Type() OpType   { return OpEarn }
func (Redeem) Type() OpType { return OpRedeem }
func (Adjust) Type() OpType { return OpAdjust }

// IssueRequest is the body of POST /v1/claims.
type IssueRequest struct {
	Recipient   domain.Recipient `json:"recipient"`
	CampaignRef string           `json:"campaignRef,omitempty" validate:"max=128"`
}

// BatchRequest is the body of POST /v1/claims/batch.
type BatchRequest struct {
	Recipients   []domain.Recipient `json:"recipients" validate:"required,min=1,max=10000,dive"`
	CampaignRef  string             `json:"campaignRef,omitempty" validate:"max=128"`
	Confirmation string             `json:"confirmation,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and reports the first violation as INVALID_REQUEST.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]

		return domain.Invalid(fmt.Sprintf("field %s failed %q", fieldPath(fe.Namespace()), fe.Tag()))
	}

	return domain.Invalid(err.Error())
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	_, rest, found := strings.Cut(ns, ".")
	if !found {
		return ns
	}

	return rest
}

// Parse validates r and returns its operation variant. Fields that do not
// belong to the chosen type are rejected rather than ignored.
func Parse(r TransactionRequest) (Operation, error) {
	r.Type = OpType(strings.ToUpper(strings.TrimSpace(string(r.Type))))
	r.ExternalMemberID = strings.TrimSpace(r.ExternalMemberID)

	err := Validate(r)
	if err != nil {
		return nil, err
	}

	if len(r.Metadata) > 0 && !isJSONObject(r.Metadata) {
		return nil, domain.Invalid("metadata must be a JSON object")
	}

	switch r.Type {
	case OpLookup:
		if r.Amount != nil || r.CurrencyAmount != nil || r.Reason != "" {
			return nil, domain.Invalid("LOOKUP takes no amount or reason")
		}

		return Lookup{ExternalID: r.ExternalMemberID}, nil
	case OpEarn:
		return parseEarn(r)
	case OpRedeem:
		if r.Amount == nil || r.CurrencyAmount != nil || r.Reason != "" {
			return nil, domain.Invalid("REDEEM takes an integer amount only")
		}

		return Redeem{ledger.RedeemInput{
			ExternalID: r.ExternalMemberID,
			Points:     *r.Amount,
			Reference:  r.Reference,
			Metadata:   r.Metadata,
		}}, nil
	case OpAdjust:
		if r.Amount == nil || r.CurrencyAmount != nil {
			return nil, domain.Invalid("ADJUST takes a signed integer amount")
		}

		return Adjust{ledger.AdjustInput{
			ExternalID: r.ExternalMemberID,
			Delta:      *r.Amount,
			Reason:     r.Reason,
			Reference:  r.Reference,
			Metadata:   r.Metadata,
		}}, nil
	default:
		return nil, domain.Invalid(fmt.Sprintf("unknown operation %q", r.Type))
	}
}

func parseEarn(r TransactionRequest) (Operation, error) {
	if r.Reason != "" {
		return nil, domain.Invalid("EARN takes no reason")
	}

	in := ledger.EarnInput{
		ExternalID: r.ExternalMemberID,
		Reference:  r.Reference,
		Metadata:   r.Metadata,
	}

	switch {
	case r.Amount != nil && r.CurrencyAmount != nil:
		return nil, domain.Invalid("EARN takes either amount or currencyAmount, not both")
	case r.CurrencyAmount != nil:
		in.Mode = ledger.ModeSpend
		in.Currency = *r.CurrencyAmount
	case r.Amount != nil:
		in.Mode = ledger.ModePoints
		in.Points = *r.Amount
	default:
		return nil, domain.Invalid("EARN requires amount or currencyAmount")
	}

	return Earn{in}, nil
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage

	return json.Unmarshal(raw, &obj) == nil && obj != nil
}
