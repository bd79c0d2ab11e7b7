package advisory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

// StubGenerator is deterministic: caution when policy rejected, proceed
// otherwise. It is used when no model endpoint is configured.
type StubGenerator struct{}

func (StubGenerator) Generate(_ context.Context, in Input) (*Output, error) {
	doc := map[string]any{
		contracts.FieldRecommendation: contracts.RecommendProceed,
		contracts.FieldRationale:      "No policy limit applies to this order.",
		contracts.FieldRiskFlags:      []string{},
		contracts.FieldConfidence:     0.6,
		contracts.FieldNextSteps:      []string{"monitor execution"},
	}
	if in.RiskResult.Rejected() {
		rationale := "Order was rejected by policy."
		switch r := in.RiskResult; {
		case r.PolicyID != "" && r.Reason != "":
			rationale = fmt.Sprintf("Order was rejected by %s: %s.", r.PolicyID, r.Reason)
		case r.PolicyID != "":
			rationale = fmt.Sprintf("Order was rejected by %s.", r.PolicyID)
		}
		doc[contracts.FieldRecommendation] = contracts.RecommendCaution
		doc[contracts.FieldRationale] = rationale
		doc[contracts.FieldRiskFlags] = []string{"policy_reject"}
		doc[contracts.FieldConfidence] = 0.9
		doc[contracts.FieldNextSteps] = []string{"reduce order size", "contact risk desk"}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return &Output{Raw: string(raw), Model: "stub", ModelVersion: "stub-v1"}, nil
}
