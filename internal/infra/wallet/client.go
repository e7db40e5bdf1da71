package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "loyalty-ledger"
	tokenTTL    = time.Minute
)

// HTTPClient calls the wallet provider's POST /passes endpoint with a
// short-lived HS256 bearer token scoped to the program.
type HTTPClient struct {
	baseURL string
	key     []byte
	http    *http.Client
	now     func() time.Time
}

func NewHTTPClient(cfg config.WalletConfig) (*HTTPClient, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("wallet signing key is required for the http driver")
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     []byte(cfg.SigningKey),
		http:    &http.Client{Timeout: cfg.Timeout},
		now:     time.Now,
	}, nil
}

type passResponse struct {
	InstallURL string `json:"installUrl"`
}

func (c *HTTPClient) Provision(ctx context.Context, req PassRequest) (string, error) {
	token, err := c.sign(req.ProgramID)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/passes", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrProvisionFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: provider returned %d: %s", ErrProvisionFailed, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out passResponse

	err = json.Unmarshal(raw, &out)
	if err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrProvisionFailed, err)
	}

	if out.InstallURL == "" {
		return "", fmt.Errorf("%w: empty install url", ErrProvisionFailed)
	}

	return out.InstallURL, nil
}

func (c *HTTPClient) sign(programID string) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   programID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key) //nolint:wrapcheck
}
