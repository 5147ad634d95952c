package sdktypes

import (
	"encoding/json"
	"time"
)

// FlagCheckResponseData is the wire representation of a single flag check
// result, as returned by the REST check endpoints and pushed over the
// WebSocket bootstrap channel.
type FlagCheckResponseData struct {
	CompanyID           *string    `json:"company_id,omitempty"`
	Error               *string    `json:"error,omitempty"`
	FeatureAllocation   *int       `json:"feature_allocation,omitempty"`
	FeatureUsage        *int       `json:"feature_usage,omitempty"`
	FeatureUsageEvent   *string    `json:"feature_usage_event,omitempty"`
	FeatureUsagePeriod  *string    `json:"feature_usage_period,omitempty"`
	FeatureUsageResetAt *time.Time `json:"feature_usage_reset_at,omitempty"`
	Flag                string     `json:"flag"`
	FlagID              *string    `json:"flag_id,omitempty"`
	Reason              string     `json:"reason"`
	RuleID              *string    `json:"rule_id,omitempty"`
	RuleType            *string    `json:"rule_type,omitempty"`
	UserID              *string    `json:"user_id,omitempty"`
	Value               bool       `json:"value"`
}

// ToCheckFlagReturn converts the wire form into the domain result type,
// deriving FeatureUsageExceeded from the rule type: it is set only when the
// flag is off because a usage-based entitlement was exhausted.
func (d FlagCheckResponseData) ToCheckFlagReturn() CheckFlagReturn {
	ret := CheckFlagReturn{
		CompanyID:           strOrEmpty(d.CompanyID),
		Error:               strOrEmpty(d.Error),
		FeatureAllocation:   d.FeatureAllocation,
		FeatureUsage:        d.FeatureUsage,
		FeatureUsageEvent:   strOrEmpty(d.FeatureUsageEvent),
		FeatureUsageResetAt: d.FeatureUsageResetAt,
		Flag:                d.Flag,
		FlagID:              strOrEmpty(d.FlagID),
		Reason:              d.Reason,
		RuleID:              strOrEmpty(d.RuleID),
		RuleType:            strOrEmpty(d.RuleType),
		UserID:              strOrEmpty(d.UserID),
		Value:               d.Value,
	}
	if d.FeatureUsagePeriod != nil {
		ret.FeatureUsagePeriod = UsagePeriod(*d.FeatureUsagePeriod)
	}
	ret.FeatureUsageExceeded = !ret.Value && ret.IsUsageExceededRule()
	return ret
}

type checkFlagResponse struct {
	Data FlagCheckResponseData `json:"data"`
}

type checkFlagsResponseData struct {
	Flags []FlagCheckResponseData `json:"flags"`
}

type checkFlagsResponse struct {
	Data checkFlagsResponseData `json:"data"`
}

type flagsMessage struct {
	Flags []FlagCheckResponseData `json:"flags"`
}

// ParseCheckFlagResponse parses the body of POST /flags/{key}/check.
func ParseCheckFlagResponse(data []byte) (CheckFlagReturn, error) {
	var resp checkFlagResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return CheckFlagReturn{}, err
	}
	return resp.Data.ToCheckFlagReturn(), nil
}

// ParseCheckFlagsResponse parses the body of POST /flags/check.
func ParseCheckFlagsResponse(data []byte) ([]CheckFlagReturn, error) {
	var resp checkFlagsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return toReturns(resp.Data.Flags), nil
}

// ParseFlagsMessage parses one server-to-client WebSocket message. A message
// may carry any subset of the context's flags.
func ParseFlagsMessage(data []byte) ([]CheckFlagReturn, error) {
	var msg flagsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return toReturns(msg.Flags), nil
}

func toReturns(flags []FlagCheckResponseData) []CheckFlagReturn {
	ret := make([]CheckFlagReturn, 0, len(flags))
	for _, f := range flags {
		ret = append(ret, f.ToCheckFlagReturn())
	}
	return ret
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
