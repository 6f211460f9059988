package model

import "time"

// VoteValue is a client's vote on one item. Zero means "no vote" and is never
// stored: retracting a vote deletes its row.
type VoteValue int8

const (
	VoteDown VoteValue = -1
	VoteNone VoteValue = 0
	VoteUp   VoteValue = 1
)

// Valid reports whether v is one of -1, 0 or 1.
func (v VoteValue) Valid() bool {
	return v >= VoteDown && v <= VoteUp
}

// String returns the label used in metrics and logs.
func (v VoteValue) String() string {
	switch v {
	case VoteUp:
		return "up"
	case VoteDown:
		return "down"
	default:
		return "none"
	}
}

// Vote is the live vote row for one (fingerprint, item) pair.
type Vote struct {
	Fingerprint   string    `json:"-"`
	ItemID        string    `json:"itemId"`
	Value         VoteValue `json:"voteValue"`
	PreviousValue VoteValue `json:"previousVote"`
	IPHash        string    `json:"-"`
	UserAgent     string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// VoteMetadata is client context recorded for fraud review only.
type VoteMetadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// VoteRequest is the API request body for submitting a vote.
type VoteRequest struct {
	Fingerprint string        `json:"fingerprint"`
	ItemID      string        `json:"itemId"`
	Value       *int          `json:"voteValue"`
	Metadata    *VoteMetadata `json:"metadata,omitempty"`
}

// VoteCommand is a validated vote ready for the store.
type VoteCommand struct {
	Fingerprint string
	ItemID      string
	Value       VoteValue
	IPHash      string
	UserAgent   string
}

// VoteOutcome is what the store reports after running a vote transaction.
type VoteOutcome struct {
	Aggregate Aggregate
	Previous  VoteValue
	Current   VoteValue
	Unchanged bool
}

// VoteResult is the API response after submitting a vote.
type VoteResult struct {
	Success      bool         `json:"success"`
	Unchanged    bool         `json:"unchanged,omitempty"`
	Aggregate    AggregateDTO `json:"aggregate"`
	UserVote     VoteValue    `json:"userVote"`
	PreviousVote VoteValue    `json:"previousVote"`
}

// VoteEvent is one row of the append-only audit log.
type VoteEvent struct {
	ID            int64     `json:"id"`
	Fingerprint   string    `json:"-"`
	ItemID        string    `json:"itemId"`
	Value         VoteValue `json:"voteValue"`
	PreviousValue VoteValue `json:"previousVote"`
	IPHash        string    `json:"-"`
	UserAgent     string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}
