// Package domain holds the loyalty ledger's data model and error taxonomy.
// It has no dependencies on storage or transport.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type ProgramStatus string

const (
	ProgramActive    ProgramStatus = "ACTIVE"
	ProgramSuspended ProgramStatus = "SUSPENDED"
)

// Program is the per-tenant configuration the core reads but never writes.
type Program struct {
	ID               string
	Name             string
	Status           ProgramStatus
	Thresholds       Thresholds
	PointsMultiplier decimal.Decimal // spend-mode points per currency unit
	EnrollmentBonus  int64           // points credited on claim install
	BudgetCeiling    int64           // minor currency units
	MailPieceCost    int64           // minor currency units per issued code
	ClaimTTL         time.Duration   // zero means codes never expire by time
	CreatedAt        time.Time
}

func (p Program) Suspended() bool { return p.Status == ProgramSuspended }

type MemberStatus string

const (
	MemberActive   MemberStatus = "ACTIVE"
	MemberInactive MemberStatus = "INACTIVE"
)

// Member is the materialized ledger state for one (program, external id).
type Member struct {
	ID              string
	ProgramID       string
	ExternalID      string
	Balance         int64
	CumulativeSpend int64
	Tier            Tier
	Status          MemberStatus
	PassURL         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Action string

const (
	ActionEarn         Action = "EARN"
	ActionRedeem       Action = "REDEEM"
	ActionClaimInstall Action = "CLAIM_INSTALL"
	ActionAdjust       Action = "ADJUST"
)

// Entry is one append-only transaction log row. Amount is signed.
type Entry struct {
	ID               string
	MemberID         string
	Action           Action
	Amount           int64
	PrevBalance      int64
	NewBalance       int64
	IdempotencyToken string // empty when the caller sent none
	ExternalRef      string
	Metadata         json.RawMessage
	CreatedAt        time.Time
}

type ClaimStatus string

const (
	ClaimIssued    ClaimStatus = "ISSUED"
	ClaimInstalled ClaimStatus = "INSTALLED"
	ClaimExpired   ClaimStatus = "EXPIRED"
	ClaimCancelled ClaimStatus = "CANCELLED"
)

func (s ClaimStatus) Terminal() bool { return s != ClaimIssued }

// Recipient is optional metadata captured at issuance.
type Recipient struct {
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	ExternalID string `json:"externalMemberId,omitempty" validate:"omitempty,max=128"`
}

type ClaimCode struct {
	Code        string
	ProgramID   string
	Status      ClaimStatus
	Recipient   Recipient
	CampaignRef string
	InstallURL  string
	MemberID    string
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	InstalledAt *time.Time
	UpdatedAt   time.Time
}

// ExpiredAt reports whether an ISSUED code is past its stored expiry.
func (c ClaimCode) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// IdempotencyKey scopes a caller token to the program bound to the credential.
type IdempotencyKey struct {
	ProgramID string
	Token     string
}

type IdempotencyRecord struct {
	Key       IdempotencyKey
	Operation string
	Status    int
	Body      []byte
	CreatedAt time.Time
}
