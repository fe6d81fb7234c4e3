/**
 * @description
 * This package provides a client for the agent directory service, the system of
 * record for accounts, agents, verification tiers and configured limits. The
 * ledger fetches these snapshots fresh on every authorization decision; nothing
 * in this package caches, because a stale tier is a limit-bypass bug.
 *
 * Limit amounts travel as exact decimal strings on the wire and are converted to
 * micro-unit Money at this boundary, so the rest of the service never touches
 * floats or raw strings.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/google/uuid: Agent and account identifiers.
 * - internal/domain: Agent, Account and Money types returned to the service.
 */
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxa/stream-service/internal/domain"
)

var (
	// ErrAgentNotFound is returned when the directory has no agent with the id.
	ErrAgentNotFound = errors.New("agent not found in directory")
	// ErrAccountNotFound is returned when the directory has no account with the id.
	ErrAccountNotFound = errors.New("account not found in directory")
)

// Client is a client for the directory service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new directory service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// agentResponse is the directory's agent representation. Limit amounts are
// decimal strings; absent limit objects mean "derive from the tier table".
type agentResponse struct {
	ID           string               `json:"id"`
	AccountID    string               `json:"account_id"`
	KYATier      int                  `json:"kya_tier"`
	Active       bool                 `json:"active"`
	Currency     string               `json:"currency"`
	Limits       *limitsPayload       `json:"limits,omitempty"`
	StreamLimits *streamLimitsPayload `json:"stream_limits,omitempty"`
}

type limitsPayload struct {
	PerTransaction string `json:"per_transaction"`
	Daily          string `json:"daily"`
	Monthly        string `json:"monthly"`
}

type streamLimitsPayload struct {
	MaxActiveStreams      uint32 `json:"max_active_streams"`
	MaxFlowRatePerStream  string `json:"max_flow_rate_per_stream"`
	MaxTotalStreamOutflow string `json:"max_total_stream_outflow"`
}

type accountResponse struct {
	ID               string `json:"id"`
	VerificationTier int    `json:"verification_tier"`
}

// GetAgent fetches an agent snapshot with its configured limits.
func (c *Client) GetAgent(ctx context.Context, agentID uuid.UUID) (*domain.Agent, error) {
	var payload agentResponse
	if err := c.getJSON(ctx, "/v1/agents/"+agentID.String(), ErrAgentNotFound, &payload); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(payload.ID)
	if err != nil {
		return nil, fmt.Errorf("directory returned malformed agent id %q: %w", payload.ID, err)
	}
	accountID, err := uuid.Parse(payload.AccountID)
	if err != nil {
		return nil, fmt.Errorf("directory returned malformed account id %q for agent %s: %w", payload.AccountID, agentID, err)
	}

	currency := strings.TrimSpace(payload.Currency)
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	agent := &domain.Agent{
		ID:        id,
		AccountID: accountID,
		KYATier:   payload.KYATier,
		Active:    payload.Active,
	}

	if payload.Limits != nil {
		agent.Limits.PerTransaction, err = parseLimit("per_transaction", payload.Limits.PerTransaction, currency)
		if err != nil {
			return nil, err
		}
		agent.Limits.Daily, err = parseLimit("daily", payload.Limits.Daily, currency)
		if err != nil {
			return nil, err
		}
		agent.Limits.Monthly, err = parseLimit("monthly", payload.Limits.Monthly, currency)
		if err != nil {
			return nil, err
		}
	}

	if payload.StreamLimits != nil {
		agent.StreamLimits.MaxActiveStreams = payload.StreamLimits.MaxActiveStreams
		agent.StreamLimits.MaxFlowRatePerStream, err = optionalLimit("max_flow_rate_per_stream", payload.StreamLimits.MaxFlowRatePerStream, currency)
		if err != nil {
			return nil, err
		}
		agent.StreamLimits.MaxTotalStreamOutflow, err = optionalLimit("max_total_stream_outflow", payload.StreamLimits.MaxTotalStreamOutflow, currency)
		if err != nil {
			return nil, err
		}
	}

	return agent, nil
}

// GetAccount fetches an account snapshot with its verification tier.
func (c *Client) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var payload accountResponse
	if err := c.getJSON(ctx, "/v1/accounts/"+accountID.String(), ErrAccountNotFound, &payload); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(payload.ID)
	if err != nil {
		return nil, fmt.Errorf("directory returned malformed account id %q: %w", payload.ID, err)
	}

	return &domain.Account{
		ID:               id,
		VerificationTier: payload.VerificationTier,
	}, nil
}

// getJSON executes an authenticated GET and decodes the response. A 404 maps to
// the caller's sentinel; other non-2xx statuses are logged and returned as
// opaque errors.
func (c *Client) getJSON(ctx context.Context, path string, notFound error, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("directory base url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("x-directory-key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute directory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return notFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Printf("level=warn component=directory_client path=%s status=%d body=%q", path, resp.StatusCode, string(body))
		return fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode directory response: %w", err)
	}
	return nil
}

// parseLimit converts a configured limit string to Money. An empty string is an
// explicit zero in the agent's currency, which resolves to a zero effective
// limit rather than falling back to the tier table.
func parseLimit(field, value, currency string) (domain.Money, error) {
	if strings.TrimSpace(value) == "" {
		return domain.Zero(currency), nil
	}
	m, err := domain.ParseMoney(value, currency)
	if err != nil {
		return domain.Money{}, fmt.Errorf("directory returned malformed %s limit %q: %w", field, value, err)
	}
	return m, nil
}

// optionalLimit converts a stream ceiling string to Money. An empty string
// leaves the ceiling unconfigured, which disables that check.
func optionalLimit(field, value, currency string) (domain.Money, error) {
	if strings.TrimSpace(value) == "" {
		return domain.Money{}, nil
	}
	m, err := domain.ParseMoney(value, currency)
	if err != nil {
		return domain.Money{}, fmt.Errorf("directory returned malformed %s ceiling %q: %w", field, value, err)
	}
	return m, nil
}
