package sdktypes

import (
	"time"

	"github.com/schematichq/schematic-client-go/sdkcontext"
)

// EventType distinguishes the three kinds of analytics events.
type EventType string

const (
	EventTypeIdentify  EventType = "identify"
	EventTypeTrack     EventType = "track"
	EventTypeFlagCheck EventType = "flag_check"
)

// Event is the envelope posted to the event ingestion endpoint. The body is
// one of EventBodyIdentify, EventBodyTrack, or EventBodyFlagCheck. The retry
// fields are absent on a first delivery attempt and updated on each failure,
// so the service can tell redeliveries apart.
type Event struct {
	APIKey         string     `json:"api_key"`
	Body           any        `json:"body"`
	SentAt         time.Time  `json:"sent_at"`
	TrackerEventID string     `json:"tracker_event_id"`
	TrackerUserID  string     `json:"tracker_user_id"`
	Type           EventType  `json:"type"`
	RetryCount     int        `json:"retry_count,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
}

// EventBodyIdentifyCompany describes the company half of an identify call.
type EventBodyIdentifyCompany struct {
	Keys   map[string]string `json:"keys"`
	Name   string            `json:"name,omitempty"`
	Traits map[string]any    `json:"traits,omitempty"`
}

// EventBodyIdentify is the body of an identify event. Keys/Name/Traits
// describe the user; Company, when present, describes the company.
type EventBodyIdentify struct {
	Company *EventBodyIdentifyCompany `json:"company,omitempty"`
	Keys    map[string]string         `json:"keys,omitempty"`
	Name    string                    `json:"name,omitempty"`
	Traits  map[string]any            `json:"traits,omitempty"`
}

// Context returns the evaluation context implied by the identify body.
func (b EventBodyIdentify) Context() sdkcontext.Context {
	var ctx sdkcontext.Context
	if b.Company != nil && len(b.Company.Keys) > 0 {
		ctx.Company = b.Company.Keys
	}
	if len(b.Keys) > 0 {
		ctx.User = b.Keys
	}
	return ctx
}

// EventBodyTrack is the body of a track event. Company and User override the
// client's current context when set; Quantity defaults to 1.
type EventBodyTrack struct {
	Company  map[string]string `json:"company,omitempty"`
	Event    string            `json:"event"`
	Quantity int               `json:"quantity"`
	Traits   map[string]any    `json:"traits,omitempty"`
	User     map[string]string `json:"user,omitempty"`
}

// HasIdentity reports whether the track call itself names a subject.
func (b EventBodyTrack) HasIdentity() bool {
	return len(b.Company) > 0 || len(b.User) > 0
}

// EventBodyFlagCheck is the body of a flag_check event: the evaluation result
// together with the context it was requested for.
type EventBodyFlagCheck struct {
	CompanyID  string            `json:"companyId,omitempty"`
	Error      string            `json:"error,omitempty"`
	FlagID     string            `json:"flagId,omitempty"`
	FlagKey    string            `json:"flagKey"`
	Reason     string            `json:"reason"`
	ReqCompany map[string]string `json:"reqCompany,omitempty"`
	ReqUser    map[string]string `json:"reqUser,omitempty"`
	RuleID     string            `json:"ruleId,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	Value      bool              `json:"value"`
}

// FlagCheckBody builds a flag_check event body from a result and the context
// it was evaluated against.
func FlagCheckBody(ret CheckFlagReturn, evalCtx sdkcontext.Context) EventBodyFlagCheck {
	return EventBodyFlagCheck{
		CompanyID:  ret.CompanyID,
		Error:      ret.Error,
		FlagID:     ret.FlagID,
		FlagKey:    ret.Flag,
		Reason:     ret.Reason,
		ReqCompany: evalCtx.Company,
		ReqUser:    evalCtx.User,
		RuleID:     ret.RuleID,
		UserID:     ret.UserID,
		Value:      ret.Value,
	}
}
