package contracts

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// ErrInvalidTrade is returned when a trade or actor fails its invariants.
var ErrInvalidTrade = errors.New("invalid trade")

const maxSymbolLen = 16

// MaxQuantity is the largest quantity a canonical JSON payload carries exactly (2^53-1).
const MaxQuantity int64 = 1<<53 - 1

// TradeIntent is the order a desk wants to place.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TradeIntent struct {
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Quantity   int64            `json:"quantity"`
	OrderType  OrderType        `json:"order_type"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

// Validate enforces the symbol, quantity, and limit-price invariants.
func (t TradeIntent) Validate() error {
	var errs []error
	if n := utf8.RuneCountInString(t.Symbol); n == 0 || n > maxSymbolLen {
		errs = append(errs, fmt.Errorf("symbol must be 1-%d characters", maxSymbolLen))
	}
	if _, err := ParseSide(string(t.Side)); err != nil {
		errs = append(errs, err)
	}
	switch {
	case t.Quantity <= 0:
		errs = append(errs, errors.New("quantity must be positive"))
	case t.Quantity > MaxQuantity:
		errs = append(errs, fmt.Errorf("quantity must not exceed %d", MaxQuantity))
	}
	if _, err := ParseOrderType(string(t.OrderType)); err != nil {
		errs = append(errs, err)
	}
	switch {
	case t.OrderType == OrderLimit && t.LimitPrice == nil:
		errs = append(errs, errors.New("limit_price is required when order_type is limit"))
	case t.OrderType == OrderMarket && t.LimitPrice != nil:
		errs = append(errs, errors.New("limit_price must be omitted when order_type is market"))
	case t.LimitPrice != nil && !t.LimitPrice.IsPositive():
		errs = append(errs, errors.New("limit_price must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTrade, errors.Join(errs...))
	}
	return nil
}

// Actor identifies who is asking for the decision.
type Actor struct {
	UserID string `json:"user_id"`
	Desk   string `json:"desk"`
	Role   Role   `json:"role"`
}

// Normalize fills the default role.
func (a Actor) Normalize() Actor {
	if a.Role == "" {
		a.Role = RoleTrader
	}
	return a
}

// Validate checks that the actor is attributable to a desk.
func (a Actor) Validate() error {
	var errs []error
	if a.UserID == "" {
		errs = append(errs, errors.New("actor.user_id is required"))
	}
	if a.Desk == "" {
		errs = append(errs, errors.New("actor.desk is required"))
	}
	if _, err := ParseRole(string(a.Role)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTrade, errors.Join(errs...))
	}
	return nil
}

// RiskResult is the policy engine's verdict. It alone determines the decision.
type RiskResult struct {
	Result        RiskOutcome `json:"result"`
	PolicyID      string      `json:"policy_id,omitempty"`
	PolicyVersion string      `json:"policy_version,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// Rejected reports whether the policy engine vetoed the trade.
func (r RiskResult) Rejected() bool { return r.Result == RiskReject }

// Pass is the result returned when no active policy is violated.
func Pass() RiskResult { return RiskResult{Result: RiskPass} }

// DecisionFor maps a risk result onto the forwarded decision.
func DecisionFor(r RiskResult) Decision {
	if r.Rejected() {
		return DecisionReject
	}
	return DecisionProceed
}

// TimestampLayout is the fixed-width UTC form used on the wire and inside hashes.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
