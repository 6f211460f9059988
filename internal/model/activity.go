package model

import "time"

// Activity action types.
const (
	ActionVote    = "vote"
	ActionSync    = "sync"
	ActionConnect = "connect"
)

// Fraud indicators.
const (
	IndicatorRapidVoting      = "rapidVoting"
	IndicatorRepeatedRequests = "repeatedRequests"
	IndicatorAlternatingVotes = "alternatingVotes"
)

// ActivityRecord is one entry of a fingerprint's short-lived action log.
type ActivityRecord struct {
	Action string    `json:"action"`
	ItemID string    `json:"itemId,omitempty"`
	Value  VoteValue `json:"value"`
	At     time.Time `json:"at"`
}

// SameContext reports whether two records carry an identical payload.
func (a ActivityRecord) SameContext(b ActivityRecord) bool {
	return a.Action == b.Action && a.ItemID == b.ItemID && a.Value == b.Value
}

// Assessment is the fraud engine's verdict for one action.
type Assessment struct {
	Suspicious bool     `json:"suspicious"`
	RiskScore  int      `json:"riskScore"`
	Indicators []string `json:"indicators"`
}
