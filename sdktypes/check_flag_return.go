// Package sdktypes contains the value types shared between the client, the
// evaluation transports, and the event delivery subsystem: flag check results,
// their wire representations, and analytics event envelopes.
package sdktypes

import "time"

// UsagePeriod is the reset cadence of a usage-based entitlement.
type UsagePeriod string

const (
	UsagePeriodAllTime      UsagePeriod = "all_time"
	UsagePeriodBillingCycle UsagePeriod = "billing_cycle"
	UsagePeriodCurrentMonth UsagePeriod = "current_month"
	UsagePeriodCurrentDay   UsagePeriod = "current_day"
)

// Rule types that indicate a flag was denied because a usage-based
// entitlement ran out. FeatureUsageExceeded may only be true for these.
const (
	RuleTypeCompanyOverrideUsageExceeded = "company_override_usage_exceeded"
	RuleTypePlanEntitlementUsageExceeded = "plan_entitlement_usage_exceeded"
)

// CheckFlagReturn is the full result of a flag evaluation. It always carries
// Flag and Value; the remaining fields are present when the server (or the
// fallback resolver) supplied them.
type CheckFlagReturn struct {
	CompanyID            string      `json:"companyId,omitempty"`
	Error                string      `json:"error,omitempty"`
	FeatureAllocation    *int        `json:"featureAllocation,omitempty"`
	FeatureUsage         *int        `json:"featureUsage,omitempty"`
	FeatureUsageEvent    string      `json:"featureUsageEvent,omitempty"`
	FeatureUsagePeriod   UsagePeriod `json:"featureUsagePeriod,omitempty"`
	FeatureUsageResetAt  *time.Time  `json:"featureUsageResetAt,omitempty"`
	FeatureUsageExceeded bool        `json:"featureUsageExceeded,omitempty"`
	Flag                 string      `json:"flag"`
	FlagID               string      `json:"flagId,omitempty"`
	Reason               string      `json:"reason"`
	RuleID               string      `json:"ruleId,omitempty"`
	RuleType             string      `json:"ruleType,omitempty"`
	UserID               string      `json:"userId,omitempty"`
	Value                bool        `json:"value"`
}

// IsUsageExceededRule reports whether the result's rule type is one of the
// usage-exceeded kinds.
func (r CheckFlagReturn) IsUsageExceededRule() bool {
	return r.RuleType == RuleTypeCompanyOverrideUsageExceeded ||
		r.RuleType == RuleTypePlanEntitlementUsageExceeded
}

// Clone returns a copy of the result with its own pointer fields, so that an
// optimistic update cannot alias state shared with listeners.
func (r CheckFlagReturn) Clone() CheckFlagReturn {
	ret := r
	if r.FeatureAllocation != nil {
		v := *r.FeatureAllocation
		ret.FeatureAllocation = &v
	}
	if r.FeatureUsage != nil {
		v := *r.FeatureUsage
		ret.FeatureUsage = &v
	}
	if r.FeatureUsageResetAt != nil {
		t := *r.FeatureUsageResetAt
		ret.FeatureUsageResetAt = &t
	}
	return ret
}
