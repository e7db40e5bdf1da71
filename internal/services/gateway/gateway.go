// Package gateway is the caller-facing entry point of the ledger: it
// authenticates program credentials, enforces the per-credential rate limit
// and runs mutations exactly once per idempotency token.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/infra/logging"
	"github.com/fastprodman/loyaltyledger/internal/infra/ratelimit"
	"github.com/fastprodman/loyaltyledger/internal/services/budget"
	"github.com/fastprodman/loyaltyledger/internal/services/claims"
	"github.com/fastprodman/loyaltyledger/internal/services/ledger"
	"github.com/fastprodman/loyaltyledger/internal/store"
	"golang.org/x/sync/singleflight"
)

// Caller is an authenticated, admitted credential.
type Caller struct {
	Program domain.Program
	KeyHash string
}

// Mutation is one idempotent unit of work run inside a store transaction.
type Mutation struct {
	Operation string
	Status    int // on success
	Run       func(ctx context.Context, tx store.Tx) (any, error)
}

type Gateway struct {
	store   store.Store
	engine  *ledger.Engine
	claims  *claims.Manager
	limiter ratelimit.Limiter
	group   singleflight.Group
}

func New(s store.Store, engine *ledger.Engine, cm *claims.Manager, limiter ratelimit.Limiter) *Gateway {
	return &Gateway{store: s, engine: engine, claims: cm, limiter: limiter}
}

// HashKey is the stored form of an API key.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))

	return hex.EncodeToString(sum[:])
}

// Admit authenticates apiKey and charges one request to its rate-limit
// window. A limiter outage lets the request through.
func (g *Gateway) Admit(ctx context.Context, apiKey string) (Caller, error) {
	if apiKey == "" {
		return Caller{}, domain.ErrUnauthorized
	}

	hash := HashKey(apiKey)

	p, err := g.store.ProgramByCredential(ctx, hash)
	if errors.Is(err, store.ErrCredentialNotFound) || errors.Is(err, store.ErrProgramNotFound) {
		return Caller{}, domain.ErrUnauthorized
	}

	if err != nil {
		return Caller{}, fmt.Errorf("authenticate: %w", domain.Classify(err))
	}

	if p.Suspended() {
		return Caller{}, domain.ErrProgramSuspended
	}

	d, err := g.limiter.Allow(ctx, hash)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "rate limiter unavailable, admitting request", "error", err)

		return Caller{Program: p, KeyHash: hash}, nil
	}

	if !d.Allowed {
		return Caller{}, domain.ErrRateLimited.With("", map[string]any{
			"limit":             d.Limit,
			"retryAfterSeconds": int64(math.Ceil(d.RetryAfter.Seconds())),
		})
	}

	return Caller{Program: p, KeyHash: hash}, nil
}

// Transact runs a parsed transaction request. LOOKUP is a plain read; the
// other operations go through Mutate.
func (g *Gateway) Transact(ctx context.Context, c Caller, op Operation, token string) (Outcome, error) {
	switch o := op.(type) {
	case Lookup:
		m, err := g.engine.Lookup(ctx, c.Program.ID, o.ExternalID)
		if err != nil {
			return renderFailure(err)
		}

		return jsonOutcome(http.StatusOK, NewMemberView(m))
	case Earn:
		o.Token = token

		return g.Mutate(ctx, c, token, Mutation{
			Operation: string(OpEarn),
			Status:    http.StatusOK,
			Run: func(ctx context.Context, tx store.Tx) (any, error) {
				return g.engine.EarnTx(ctx, tx, c.Program, o.EarnInput)
			},
		})
	case Redeem:
		o.Token = token

		return g.Mutate(ctx, c, token, Mutation{
			Operation: string(OpRedeem),
			Status:    http.StatusOK,
			Run: func(ctx context.Context, tx store.Tx) (any, error) {
				return g.engine.RedeemTx(ctx, tx, c.Program, o.RedeemInput)
			},
		})
	case Adjust:
		o.Token = token

		return g.Mutate(ctx, c, token, Mutation{
			Operation: string(OpAdjust),
			Status:    http.StatusOK,
			Run: func(ctx context.Context, tx store.Tx) (any, error) {
				return g.engine.AdjustTx(ctx, tx, c.Program, o.AdjustInput)
			},
		})
	default:
		return errorOutcome(domain.Invalid("unsupported operation")), nil
	}
}

func (g *Gateway) Deactivate(ctx context.Context, c Caller, externalID, token string) (Outcome, error) {
	return g.Mutate(ctx, c, token, Mutation{
		Operation: "DEACTIVATE",
		Status:    http.StatusOK,
		Run: func(ctx context.Context, tx store.Tx) (any, error) {
			m, err := g.engine.DeactivateTx(ctx, tx, c.Program.ID, externalID)
			if err != nil {
				return nil, err
			}

			return NewMemberView(m), nil
		},
	})
}

func (g *Gateway) IssueClaim(ctx context.Context, c Caller, req IssueRequest, token string) (Outcome, error) {
	err := Validate(req)
	if err != nil {
		return errorOutcome(err), nil
	}

	return g.Mutate(ctx, c, token, Mutation{
		Operation: "ISSUE_CLAIM",
		Status:    http.StatusCreated,
		Run: func(ctx context.Context, tx store.Tx) (any, error) {
			code, err := g.claims.IssueTx(ctx, tx, c.Program, req.Recipient, req.CampaignRef)
			if err != nil {
				return nil, err
			}

			return NewClaimView(code), nil
		},
	})
}

type batchResponse struct {
	Budget budget.Decision `json:"budget"`
	Issued int             `json:"issued"`
	Codes  []ClaimView     `json:"codes"`
}

func (g *Gateway) IssueBatch(ctx context.Context, c Caller, req BatchRequest, token string) (Outcome, error) {
	err := Validate(req)
	if err != nil {
		return errorOutcome(err), nil
	}

	return g.Mutate(ctx, c, token, Mutation{
		Operation: "ISSUE_BATCH",
		Status:    http.StatusCreated,
		Run: func(ctx context.Context, tx store.Tx) (any, error) {
			b, err := g.claims.IssueBatchTx(ctx, tx, c.Program, req.Recipients, req.CampaignRef, req.Confirmation)
			if err != nil {
				return nil, err
			}

			views := make([]ClaimView, 0, len(b.Codes))
			for _, code := range b.Codes {
				views = append(views, NewClaimView(code))
			}

			return batchResponse{Budget: b.Budget, Issued: len(views), Codes: views}, nil
		},
	})
}

func (g *Gateway) CancelClaim(ctx context.Context, c Caller, code, token string) (Outcome, error) {
	return g.Mutate(ctx, c, token, Mutation{
		Operation: "CANCEL_CLAIM",
		Status:    http.StatusOK,
		Run: func(ctx context.Context, tx store.Tx) (any, error) {
			cc, err := g.claims.CancelTx(ctx, tx, c.Program.ID, code)
			if err != nil {
				return nil, err
			}

			return NewClaimView(cc), nil
		},
	})
}

// Mutate runs m exactly once per (program, token). The token is claimed in
// the same transaction as the mutation; a hit replays the stored response
// verbatim. Caller errors are stored as terminal responses, while conflict
// and infrastructure errors roll everything back, the claim included, so a
// retry can succeed. An empty token skips the idempotency store.
func (g *Gateway) Mutate(ctx context.Context, c Caller, token string, m Mutation) (Outcome, error) {
	if token == "" {
		return g.mutate(ctx, c, token, m)
	}

	v, err, _ := g.group.Do(c.Program.ID+"\x00"+token, func() (any, error) {
		return g.mutate(ctx, c, token, m)
	})
	if err != nil {
		return Outcome{}, err //nolint:wrapcheck
	}

	out, _ := v.(Outcome)

	return out, nil
}

func (g *Gateway) mutate(ctx context.Context, c Caller, token string, m Mutation) (Outcome, error) {
	key := domain.IdempotencyKey{ProgramID: c.Program.ID, Token: token}

	var (
		out       Outcome
		rejection error
	)

	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		if token != "" {
			rec, claimed, err := tx.ClaimIdempotency(ctx, key, m.Operation)
			if err != nil {
				return fmt.Errorf("claim idempotency key: %w", err)
			}

			if !claimed {
				out = replay(rec)

				return nil
			}
		}

		v, err := m.Run(ctx, tx)
		if err != nil {
			if domain.IsCacheable(err) {
				rejection = err
			}

			return err
		}

		out, err = jsonOutcome(m.Status, v)
		if err != nil {
			return err
		}

		if token == "" {
			return nil
		}

		return tx.CompleteIdempotency(ctx, record(key, m.Operation, out))
	})

	switch {
	case rejection != nil:
		// the mutation's own writes are discarded; only the verdict is kept
		return g.storeRejection(ctx, key, m.Operation, errorOutcome(rejection))
	case err != nil:
		return Outcome{}, fmt.Errorf("%s: %w", m.Operation, domain.Classify(err))
	default:
		return out, nil
	}
}

// storeRejection records a deterministic failure under the token in its own
// transaction. If another request stored a response first, that one wins.
func (g *Gateway) storeRejection(ctx context.Context, key domain.IdempotencyKey, operation string, rejected Outcome) (Outcome, error) {
	if key.Token == "" {
		return rejected, nil
	}

	out := rejected

	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		rec, claimed, err := tx.ClaimIdempotency(ctx, key, operation)
		if err != nil {
			return fmt.Errorf("claim idempotency key: %w", err)
		}

		if !claimed {
			out = replay(rec)

			return nil
		}

		return tx.CompleteIdempotency(ctx, record(key, operation, rejected))
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: store rejection: %w", operation, domain.Classify(err))
	}

	return out, nil
}

func replay(rec domain.IdempotencyRecord) Outcome {
	return Outcome{Status: rec.Status, Body: rec.Body, Replayed: true}
}

func record(key domain.IdempotencyKey, operation string, out Outcome) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:       key,
		Operation: operation,
		Status:    out.Status,
		Body:      out.Body,
		CreatedAt: time.Now().UTC(),
	}
}

// renderFailure turns caller errors into an Outcome and passes the rest up.
func renderFailure(err error) (Outcome, error) {
	if domain.IsCacheable(err) {
		return errorOutcome(err), nil
	}

	return Outcome{}, err
}

// Member serves GET /v1/members/{externalId}.
func (g *Gateway) Member(ctx context.Context, c Caller, externalID string) (Outcome, error) {
	return g.Transact(ctx, c, Lookup{ExternalID: externalID}, "")
}

// History serves the member's audit trail.
func (g *Gateway) History(ctx context.Context, c Caller, externalID string) (Outcome, error) {
	entries, err := g.engine.History(ctx, c.Program.ID, externalID)
	if err != nil {
		return renderFailure(err)
	}

	return jsonOutcome(http.StatusOK, map[string]any{
		"externalMemberId": externalID,
		"transactions":     NewEntryViews(entries),
	})
}

// Claim serves GET /claim/{code}: it installs the code and returns the URL
// to redirect to, or a terminal error outcome.
func (g *Gateway) Claim(ctx context.Context, code string) (string, Outcome, error) {
	r, err := g.claims.Redeem(ctx, code)
	if err != nil {
		out, ferr := renderFailure(err)

		return "", out, ferr
	}

	return r.InstallURL, Outcome{Status: http.StatusFound}, nil
}
