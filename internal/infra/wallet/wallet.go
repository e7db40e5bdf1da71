// Package wallet provisions digital wallet passes for installed claim codes.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/fastprodman/loyaltyledger/internal/config"
)

var ErrProvisionFailed = errors.New("wallet provisioning failed")

// PassRequest carries the member attributes the provider needs.
type PassRequest struct {
	ProgramID        string `json:"programId"`
	MemberExternalID string `json:"memberExternalId"`
	Name             string `json:"name,omitempty"`
	Email            string `json:"email,omitempty"`
	Code             string `json:"code"`
}

type Provisioner interface {
	Provision(ctx context.Context, req PassRequest) (string, error)
}

// New picks the driver named in cfg.
func New(cfg config.WalletConfig) (Provisioner, error) {
	switch strings.ToLower(cfg.Driver) {
	case "http":
		return NewHTTPClient(cfg)
	case "static", "":
		return NewStatic(cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown wallet driver %q", cfg.Driver)
	}
}

// Static builds install URLs locally. Used for development and tests.
type Static struct {
	baseURL string
}

func NewStatic(baseURL string) *Static {
	return &Static{baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *Static) Provision(_ context.Context, req PassRequest) (string, error) {
	return s.baseURL + "/install/" + url.PathEscape(req.Code), nil
}
