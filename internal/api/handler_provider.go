package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fastprodman/loyaltyledger/internal/domain"
	"github.com/fastprodman/loyaltyledger/internal/infra/logging"
	"github.com/fastprodman/loyaltyledger/internal/services/gateway"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// HandlerProvider exposes the gateway over HTTP.
type HandlerProvider struct {
	gw *gateway.Gateway
}

func NewHandler(gw *gateway.Gateway) *HandlerProvider {
	return &HandlerProvider{gw: gw}
}

type callerKey struct{}

func callerFrom(ctx context.Context) gateway.Caller {
	c, _ := ctx.Value(callerKey{}).(gateway.Caller)

	return c
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeOutcome(w http.ResponseWriter, out gateway.Outcome) {
	w.Header().Set("Content-Type", "application/json")

	if out.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}

	w.WriteHeader(out.Status)
	_, _ = w.Write(out.Body)
}

// writeError renders err. Infrastructure failures are logged with their
// cause; the caller only sees the stable code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := gateway.StatusFor(err)

	if !domain.IsCacheable(err) {
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "request failed",
			"status", status, "error", err)
	}

	if errors.Is(err, domain.ErrRateLimited) {
		if e, ok := domain.AsError(err); ok {
			if secs, ok := e.Details["retryAfterSeconds"].(int64); ok {
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			}
		}
	}

	writeJSON(w, status, gateway.NewErrorBody(err))
}

func respond(w http.ResponseWriter, r *http.Request, out gateway.Outcome, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeOutcome(w, out)
}

// decodeBody reads a single JSON object, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Invalid("empty body")
		}

		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.Invalid(fmt.Sprintf("body exceeds %d bytes", maxErr.Limit))
		}

		return domain.Invalid(fmt.Sprintf("invalid JSON: %v", err))
	}

	if dec.More() {
		return domain.Invalid("body must hold a single JSON object")
	}

	return nil
}

// idempotencyToken prefers the Idempotency-Key header; a body token must
// agree with it when both are sent.
func idempotencyToken(r *http.Request, bodyToken string) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	bodyToken = strings.TrimSpace(bodyToken)

	switch {
	case header != "" && bodyToken != "" && header != bodyToken:
		return "", domain.Invalid("Idempotency-Key header and idempotencyKey differ")
	case len(header) > 255 || len(bodyToken) > 255:
		return "", domain.Invalid("idempotency key longer than 255 characters")
	case header != "":
		return header, nil
	default:
		return bodyToken, nil
	}
}

func apiKeyFrom(h http.Header) string {
	if k := strings.TrimSpace(h.Get("X-API-Key")); k != "" {
		return k
	}

	auth := strings.TrimSpace(h.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}

	return ""
}

// --- Handlers ---

// PostTransaction handles POST /v1/transactions
func (h *HandlerProvider) PostTransaction(w http.ResponseWriter, r *http.Request) {
	var req gateway.TransactionRequest

	err := decodeBody(w, r, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	token, err := idempotencyToken(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, err)
		return
	}

	op, err := gateway.Parse(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.gw.Transact(r.Context(), callerFrom(r.Context()), op, token)
	respond(w, r, out, err)
}

// GetMember handles GET /v1/members/{externalId}
func (h *HandlerProvider) GetMember(w http.ResponseWriter, r *http.Request) {
	out, err := h.gw.Member(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "externalId"))
	respond(w, r, out, err)
}

// GetMemberTransactions handles GET /v1/members/{externalId}/transactions
func (h *HandlerProvider) GetMemberTransactions(w http.ResponseWriter, r *http.Request) {
	out, err := h.gw.History(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "externalId"))
	respond(w, r, out, err)
}

// PostDeactivate handles POST /v1/members/{externalId}/deactivate
func (h *HandlerProvider) PostDeactivate(w http.ResponseWriter, r *http.Request) {
	token, err := idempotencyToken(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.gw.Deactivate(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "externalId"), token)
	respond(w, r, out, err)
}

// PostClaim handles POST /v1/claims
func (h *HandlerProvider) PostClaim(w http.ResponseWriter, r *http.Request) {
	var req gateway.IssueRequest

	err := decodeBody(w, r, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	token, err := idempotencyToken(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.gw.IssueClaim(r.Context(), callerFrom(r.Context()), req, token)
	respond(w, r, out, err)
}

// PostClaimBatch handles POST /v1/claims/batch
func (h *HandlerProvider) PostClaimBatch(w http.ResponseWriter, r *http.Request) {
	var req gateway.BatchRequest

	err := decodeBody(w, r, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	token, err := idempotencyToken(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.gw.IssueBatch(r.Context(), callerFrom(r.Context()), req, token)
	respond(w, r, out, err)
}

// PostClaimCancel handles POST /v1/claims/{code}/cancel
func (h *HandlerProvider) PostClaimCancel(w http.ResponseWriter, r *http.Request) {
	token, err := idempotencyToken(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.gw.CancelClaim(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "code"), token)
	respond(w, r, out, err)
}

// GetClaim handles the public GET /claim/{code}: a redirect to the wallet
// install URL, or the terminal error.
func (h *HandlerProvider) GetClaim(w http.ResponseWriter, r *http.Request) {
	url, out, err := h.gw.Claim(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if url == "" {
		writeOutcome(w, out)
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// --- Middleware ---

// Authenticate admits the request's credential and stores the caller in
// the request context.
func (h *HandlerProvider) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := h.gw.Admit(r.Context(), apiKeyFrom(r.Header))
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey{}, c)
		ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("program", c.Program.ID))

		if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
			info.program = c.Program.ID
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
