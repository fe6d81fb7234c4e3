/**
 * @description
 * Hierarchical spending-limit resolution. Accounts carry a KYC/KYB verification tier
 * and agents carry their own KYA (Know-Your-Agent) tier; each tier maps to a table of
 * per-transaction / daily / monthly caps. The effective limits actually enforced for
 * an agent are the field-wise minimum of the agent's own limits and its parent
 * account's tier limits, resolved fresh on every authorization decision. Nothing in
 * this file performs I/O or caches: tiers can change between calls and a stale
 * resolution is a limit-bypass bug.
 */

package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Verification tiers run 0 (unverified) through 3. Any tier outside the table
// resolves to all-zero limits, so an unverified party can authorize nothing.
const (
	MinVerificationTier = 0
	MaxVerificationTier = 3
)

// TierLimits is one row of a tier table: the three spending caps for a tier.
type TierLimits struct {
	PerTransaction Money `json:"per_transaction"`
	Daily          Money `json:"daily"`
	Monthly        Money `json:"monthly"`
}

// provided reports whether the directory supplied explicit limits. A genuine zero
// limit still carries its currency; a zero value with no currency means "derive from
// the tier table".
func (t TierLimits) provided() bool {
	return t.PerTransaction.Currency != "" || t.Daily.Currency != "" || t.Monthly.Currency != ""
}

// StreamLimits caps an agent's streaming activity independently of its money tiers.
type StreamLimits struct {
	MaxActiveStreams      uint32 `json:"max_active_streams"`
	MaxFlowRatePerStream  Money  `json:"max_flow_rate_per_stream"`
	MaxTotalStreamOutflow Money  `json:"max_total_stream_outflow"`
}

// Account is a read-only snapshot from the directory service.
type Account struct {
	ID               uuid.UUID `json:"id"`
	VerificationTier int       `json:"verification_tier"`
}

// Agent is a read-only snapshot from the directory service. Suspended agents are
// deactivated rather than deleted; their commands are rejected before any limit math.
type Agent struct {
	ID           uuid.UUID    `json:"id"`
	AccountID    uuid.UUID    `json:"account_id"`
	KYATier      int          `json:"kya_tier"`
	Limits       TierLimits   `json:"limits"`
	StreamLimits StreamLimits `json:"stream_limits"`
	Active       bool         `json:"active"`
}

// EffectiveLimits is the derived, never-persisted result of a resolution.
// CappedByParent is true iff the parent account's limit was strictly smaller than
// the agent's own limit on at least one field.
type EffectiveLimits struct {
	PerTransaction Money `json:"per_transaction"`
	Daily          Money `json:"daily"`
	Monthly        Money `json:"monthly"`
	CappedByParent bool  `json:"capped_by_parent"`
}

// Tier tables in whole major units. Tier 2 account and tier 3 agent values are the
// contract anchors; the rest fill in monotonically.
var accountTierTable = [4][3]int64{
	{0, 0, 0},
	{10_000, 50_000, 100_000},
	{50_000, 200_000, 500_000},
	{250_000, 1_000_000, 5_000_000},
}

var agentTierTable = [4][3]int64{
	{0, 0, 0},
	{5_000, 20_000, 50_000},
	{25_000, 100_000, 500_000},
	{100_000, 500_000, 2_000_000},
}

func tierRow(table [4][3]int64, tier int, currency string) TierLimits {
	if tier < MinVerificationTier || tier > MaxVerificationTier {
		tier = MinVerificationTier
	}
	row := table[tier]
	return TierLimits{
		PerTransaction: NewMoney(row[0]*microUnitsPerMajor, currency),
		Daily:          NewMoney(row[1]*microUnitsPerMajor, currency),
		Monthly:        NewMoney(row[2]*microUnitsPerMajor, currency),
	}
}

// AccountTierLimits returns the limit row for an account verification tier.
func AccountTierLimits(tier int, currency string) TierLimits {
	return tierRow(accountTierTable, tier, currency)
}

// AgentTierLimits returns the limit row for an agent KYA tier.
func AgentTierLimits(tier int, currency string) TierLimits {
	return tierRow(agentTierTable, tier, currency)
}

// ResolveEffectiveLimits intersects an agent's own limits with its parent account's
// tier limits. Pure and deterministic: same inputs, same result, no side effects.
// Callers must resolve fresh per authorization decision rather than cache the result.
func ResolveEffectiveLimits(agent Agent, account Account) (EffectiveLimits, error) {
	own := agent.Limits
	currency := own.PerTransaction.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	if !own.provided() {
		own = AgentTierLimits(agent.KYATier, currency)
	}
	parent := AccountTierLimits(account.VerificationTier, currency)

	resolved := EffectiveLimits{}
	fields := []struct {
		name   string
		own    Money
		parent Money
		out    *Money
	}{
		{"per_transaction", own.PerTransaction, parent.PerTransaction, &resolved.PerTransaction},
		{"daily", own.Daily, parent.Daily, &resolved.Daily},
		{"monthly", own.Monthly, parent.Monthly, &resolved.Monthly},
	}
	for _, f := range fields {
		c, err := f.parent.Cmp(f.own)
		if err != nil {
			return EffectiveLimits{}, fmt.Errorf("resolve %s limit: %w", f.name, err)
		}
		if c < 0 {
			*f.out = f.parent
			resolved.CappedByParent = true
		} else {
			*f.out = f.own
		}
	}
	return resolved, nil
}
