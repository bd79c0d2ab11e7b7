package contracts

import (
	"errors"
	"fmt"
)

// ErrUnknownEnum is returned when a wire string does not name a member of a closed enum.
var ErrUnknownEnum = errors.New("unknown enum value")

func parseEnum[T ~string](kind, s string, members []T) (T, error) {
	for _, m := range members {
		if string(m) == s {
			return m, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s %q", ErrUnknownEnum, kind, s)
}

func unmarshalEnum[T ~string](dst *T, kind string, b []byte, members []T) error {
	v, err := parseEnum(kind, string(b), members)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func marshalEnum[T ~string](kind string, v T, members []T) ([]byte, error) {
	if _, err := parseEnum(kind, string(v), members); err != nil {
		return nil, err
	}
	return []byte(v), nil
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

var sides = []Side{SideBuy, SideSell}

func ParseSide(s string) (Side, error)       { return parseEnum("side", s, sides) }
func (v Side) String() string                { return string(v) }
func (v Side) MarshalText() ([]byte, error)  { return marshalEnum("side", v, sides) }
func (v *Side) UnmarshalText(b []byte) error { return unmarshalEnum(v, "side", b, sides) }

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

var orderTypes = []OrderType{OrderMarket, OrderLimit}

func ParseOrderType(s string) (OrderType, error) { return parseEnum("order_type", s, orderTypes) }
func (v OrderType) String() string               { return string(v) }
func (v OrderType) MarshalText() ([]byte, error) { return marshalEnum("order_type", v, orderTypes) }
func (v *OrderType) UnmarshalText(b []byte) error {
	return unmarshalEnum(v, "order_type", b, orderTypes)
}

// Role is the desk function of the requesting actor.
type Role string

const (
	RoleTrader      Role = "trader"
	RoleRiskManager Role = "risk_manager"
	RoleCompliance  Role = "compliance"
	RoleOps         Role = "ops"
)

var roles = []Role{RoleTrader, RoleRiskManager, RoleCompliance, RoleOps}

func ParseRole(s string) (Role, error)       { return parseEnum("role", s, roles) }
func (v Role) String() string                { return string(v) }
func (v Role) MarshalText() ([]byte, error)  { return marshalEnum("role", v, roles) }
func (v *Role) UnmarshalText(b []byte) error { return unmarshalEnum(v, "role", b, roles) }

// RiskOutcome is the authoritative policy verdict.
type RiskOutcome string

const (
	RiskPass   RiskOutcome = "pass"
	RiskReject RiskOutcome = "reject"
)

var riskOutcomes = []RiskOutcome{RiskPass, RiskReject}

func ParseRiskOutcome(s string) (RiskOutcome, error) { return parseEnum("result", s, riskOutcomes) }
func (v RiskOutcome) String() string                 { return string(v) }
func (v RiskOutcome) MarshalText() ([]byte, error)   { return marshalEnum("result", v, riskOutcomes) }
func (v *RiskOutcome) UnmarshalText(b []byte) error {
	return unmarshalEnum(v, "result", b, riskOutcomes)
}

// Recommendation is the advisory's suggested course of action.
type Recommendation string

const (
	RecommendProceed Recommendation = "proceed"
	RecommendCaution Recommendation = "caution"
	RecommendReject  Recommendation = "reject"
)

// Recommendations lists the allowed advisory recommendations in wire order.
var Recommendations = []Recommendation{RecommendProceed, RecommendCaution, RecommendReject}

func ParseRecommendation(s string) (Recommendation, error) {
	return parseEnum("recommendation", s, Recommendations)
}
func (v Recommendation) String() string { return string(v) }
func (v Recommendation) MarshalText() ([]byte, error) {
	return marshalEnum("recommendation", v, Recommendations)
}
func (v *Recommendation) UnmarshalText(b []byte) error {
	return unmarshalEnum(v, "recommendation", b, Recommendations)
}

// CheckStatus is the outcome of a single guardrail check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
)

var checkStatuses = []CheckStatus{CheckPass, CheckFail}

func ParseCheckStatus(s string) (CheckStatus, error) { return parseEnum("status", s, checkStatuses) }
func (v CheckStatus) String() string                 { return string(v) }
func (v CheckStatus) MarshalText() ([]byte, error)   { return marshalEnum("status", v, checkStatuses) }
func (v *CheckStatus) UnmarshalText(b []byte) error {
	return unmarshalEnum(v, "status", b, checkStatuses)
}

// EventType classifies ledger events.
type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventDecisionMade      EventType = "decision_made"
	EventPolicyEvaluated   EventType = "policy_evaluated"
	EventDecisionForwarded EventType = "decision_forwarded"
	EventAdvisoryGenerated EventType = "advisory_generated"
	EventAdvisoryFailed    EventType = "advisory_failed"
	EventError             EventType = "error"
)

var eventTypes = []EventType{
	EventRequestReceived,
	EventDecisionMade,
	EventPolicyEvaluated,
	EventDecisionForwarded,
	EventAdvisoryGenerated,
	EventAdvisoryFailed,
	EventError,
}

func ParseEventType(s string) (EventType, error) { return parseEnum("event_type", s, eventTypes) }
func (v EventType) String() string               { return string(v) }
func (v EventType) MarshalText() ([]byte, error) { return marshalEnum("event_type", v, eventTypes) }
func (v *EventType) UnmarshalText(b []byte) error {
	return unmarshalEnum(v, "event_type", b, eventTypes)
}

// Decision is the final, policy-derived outcome forwarded downstream.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionReject  Decision = "reject"
)

var decisions = []Decision{DecisionProceed, DecisionReject}

func ParseDecision(s string) (Decision, error)   { return parseEnum("decision", s, decisions) }
func (v Decision) String() string                { return string(v) }
func (v Decision) MarshalText() ([]byte, error)  { return marshalEnum("decision", v, decisions) }
func (v *Decision) UnmarshalText(b []byte) error { return unmarshalEnum(v, "decision", b, decisions) }
