package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
)

// Outcome is a rendered response. Replayed marks bodies served from the
// idempotency store.
type Outcome struct {
	Status   int
	Body     []byte
	Replayed bool
}

// ErrorBody is the JSON shape of every failure response.
type ErrorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	e, ok := domain.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch {
	case errors.Is(e, domain.ErrInvalidRequest), errors.Is(e, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(e, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(e, domain.ErrProgramSuspended):
		return http.StatusForbidden
	case errors.Is(e, domain.ErrNotFound), errors.Is(e, domain.ErrClaimNotFound), errors.Is(e, domain.ErrProgramNotFound):
		return http.StatusNotFound
	case errors.Is(e, domain.ErrClaimAlreadyUsed), errors.Is(e, domain.ErrMemberInactive),
		errors.Is(e, domain.ErrDuplicateRequest), errors.Is(e, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(e, domain.ErrClaimExpired):
		return http.StatusGone
	case errors.Is(e, domain.ErrInsufficientBalance), errors.Is(e, domain.ErrBudgetExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(e, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(e, domain.ErrWalletUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorBody renders err. Infrastructure details never reach the caller.
func NewErrorBody(err error) ErrorBody {
	e, ok := domain.AsError(err)
	if !ok {
		e = domain.ErrTransactionFailed
	}

	body := ErrorBody{Error: e.Message, Code: e.Code}
	if e.Kind == domain.KindCaller {
		body.Details = e.Details
	}

	return body
}

func errorOutcome(err error) Outcome {
	body, mErr := json.Marshal(NewErrorBody(err))
	if mErr != nil {
		body = []byte(`{"error":"internal json encode failure","code":"TRANSACTION_FAILED"}`)
	}

	return Outcome{Status: StatusFor(err), Body: body}
}

func jsonOutcome(status int, v any) (Outcome, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode response: %w", err)
	}

	return Outcome{Status: status, Body: body}, nil
}

// MemberView is the ledger snapshot returned by lookups.
type MemberView struct {
	MemberID         string              `json:"memberId"`
	ExternalMemberID string              `json:"externalMemberId"`
	Balance          int64               `json:"balance"`
	CumulativeSpend  int64               `json:"cumulativeSpend"`
	Tier             domain.Tier         `json:"tier"`
	Status           domain.MemberStatus `json:"status"`
	WalletPassURL    string              `json:"walletPassUrl,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

func NewMemberView(m domain.Member) MemberView {
	return MemberView{
		MemberID:         m.ID,
		ExternalMemberID: m.ExternalID,
		Balance:          m.Balance,
		CumulativeSpend:  m.CumulativeSpend,
		Tier:             m.Tier,
		Status:           m.Status,
		WalletPassURL:    m.PassURL,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

type EntryView struct {
	TransactionID   string          `json:"transactionId"`
	Action          domain.Action   `json:"action"`
	Amount          int64           `json:"amount"`
	PreviousBalance int64           `json:"previousBalance"`
	NewBalance      int64           `json:"newBalance"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	Reference       string          `json:"reference,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func NewEntryViews(entries []domain.Entry) []EntryView {
	out := make([]EntryView, 0, len(entries))

	for _, e := range entries {
		out = append(out, EntryView{
			TransactionID:   e.ID,
			Action:          e.Action,
			Amount:          e.Amount,
			PreviousBalance: e.PrevBalance,
			NewBalance:      e.NewBalance,
			IdempotencyKey:  e.IdempotencyToken,
			Reference:       e.ExternalRef,
			Metadata:        e.Metadata,
			CreatedAt:       e.CreatedAt,
		})
	}

	return out
}

// ClaimView is a claim code as seen by operators. The install URL is shown
// only after install.
type ClaimView struct {
	Code        string             `json:"code"`
	Status      domain.ClaimStatus `json:"status"`
	ClaimPath   string             `json:"claimPath"`
	Recipient   domain.Recipient   `json:"recipient"`
	CampaignRef string             `json:"campaignRef,omitempty"`
	InstallURL  string             `json:"installUrl,omitempty"`
	ExpiresAt   *time.Time         `json:"expiresAt,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	InstalledAt *time.Time         `json:"installedAt,omitempty"`
}

func NewClaimView(c domain.ClaimCode) ClaimView {
	return ClaimView{
		Code:        c.Code,
		Status:      c.Status,
		ClaimPath:   "/claim/" + c.Code,
		Recipient:   c.Recipient,
		CampaignRef: c.CampaignRef,
		InstallURL:  c.InstallURL,
		ExpiresAt:   c.ExpiresAt,
		CreatedAt:   c.CreatedAt,
		InstalledAt: c.InstalledAt,
	}
}
