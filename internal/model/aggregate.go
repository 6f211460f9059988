package model

import "time"

// Aggregate holds the derived per-item counters. It must always equal the sum
// of the live votes for the item.
type Aggregate struct {
	ItemID    string    `json:"itemId"`
	Total     int64     `json:"total"`
	Positive  int64     `json:"positive"`
	Negative  int64     `json:"negative"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Voters is the number of clients with a live vote on the item. With
// delete-on-zero every live row is either positive or negative.
func (a Aggregate) Voters() int64 {
	return a.Positive + a.Negative
}

// Consistent reports whether total == positive - negative and no count is
// negative.
func (a Aggregate) Consistent() bool {
	return a.Positive >= 0 && a.Negative >= 0 && a.Total == a.Positive-a.Negative
}

// Apply returns a copy of a with d added.
func (a Aggregate) Apply(d Delta) Aggregate {
	a.Total += d.Total
	a.Positive += d.Positive
	a.Negative += d.Negative
	return a
}

// DTO converts the aggregate to its wire form.
func (a Aggregate) DTO() AggregateDTO {
	return AggregateDTO{
		Total:    a.Total,
		Positive: a.Positive,
		Negative: a.Negative,
		Voters:   a.Voters(),
	}
}

// AggregateDTO is the aggregate as returned to clients.
type AggregateDTO struct {
	Total    int64 `json:"total"`
	Positive int64 `json:"positive"`
	Negative int64 `json:"negative"`
	Voters   int64 `json:"voters"`
}

// Delta is the change one vote transition makes to an item's aggregate.
type Delta struct {
	Total    int64
	Positive int64
	Negative int64
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// Transition computes the aggregate delta for a client moving from one vote
// value to another: the old sign's contribution is removed and the new one
// added.
//
//	0 -> 1   total+1 pos+1        1 -> -1  total-2 pos-1 neg+1
//	0 -> -1  total-1 neg+1        -1 -> 1  total+2 pos+1 neg-1
//	1 -> 0   total-1 pos-1        -1 -> 0  total+1 neg-1
func Transition(from, to VoteValue) Delta {
	d := Delta{Total: int64(to) - int64(from)}
	switch from {
	case VoteUp:
		d.Positive--
	case VoteDown:
		d.Negative--
	}
	switch to {
	case VoteUp:
		d.Positive++
	case VoteDown:
		d.Negative++
	}
	return d
}
