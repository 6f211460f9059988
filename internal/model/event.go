package model

import (
	"encoding/json"
	"time"
)

// Real-time message types pushed by the server.
const (
	EventInitialData    = "initialData"
	EventVoteUpdate     = "voteUpdate"
	EventStatsUpdate    = "statsUpdate"
	EventRankingsUpdate = "rankingsUpdate"
	EventVoteConfirmed  = "voteConfirmed"
	EventVoteError      = "voteError"
	EventSubscribed     = "subscribed"
	EventUnsubscribed   = "unsubscribed"
	EventSyncData       = "syncData"
	EventStats          = "stats"
	EventPong           = "pong"
	EventError          = "error"
	EventShutdown       = "serverShutdown"
)

// Channel names.
const (
	ChannelGlobal   = "global"
	ChannelRankings = "rankings"
	ChannelStats    = "stats"
	itemChannelPfx  = "item:"
)

// ItemChannel returns the per-item channel name.
func ItemChannel(itemID string) string {
	return itemChannelPfx + itemID
}

// ItemFromChannel returns the item id of a per-item channel.
func ItemFromChannel(channel string) (string, bool) {
	if len(channel) <= len(itemChannelPfx) || channel[:len(itemChannelPfx)] != itemChannelPfx {
		return "", false
	}
	return channel[len(itemChannelPfx):], true
}

// Event is a message fanned out to subscribers of Channels. Payload is the
// encoded message exactly as clients receive it.
type Event struct {
	Type     string          `json:"type"`
	Channels []string        `json:"channels"`
	Origin   string          `json:"origin,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// NewEvent encodes msg as the payload of an event for channels.
func NewEvent(typ string, msg any, channels ...string) (Event, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Channels: channels, Payload: b}, nil
}

// NewVoteUpdateEvent targets the item's channel and the global channel.
func NewVoteUpdateEvent(agg Aggregate, at time.Time) (Event, error) {
	return NewEvent(EventVoteUpdate, VoteUpdate{
		Type:      EventVoteUpdate,
		ItemID:    agg.ItemID,
		Aggregate: agg.DTO(),
		Timestamp: at,
	}, ItemChannel(agg.ItemID), ChannelGlobal)
}

// NewStatsUpdateEvent targets the stats channel and the global channel.
func NewStatsUpdateEvent(stats *GlobalStats, at time.Time) (Event, error) {
	return NewEvent(EventStatsUpdate, StatsUpdate{
		Type:      EventStatsUpdate,
		Stats:     stats,
		Timestamp: at,
	}, ChannelStats, ChannelGlobal)
}

// NewRankingsUpdateEvent targets the rankings channel and the global channel.
func NewRankingsUpdateEvent(rankings []RankingEntry, at time.Time) (Event, error) {
	return NewEvent(EventRankingsUpdate, RankingsUpdate{
		Type:      EventRankingsUpdate,
		Rankings:  rankings,
		Timestamp: at,
	}, ChannelRankings, ChannelGlobal)
}

// VoteUpdate is the payload of a voteUpdate message.
type VoteUpdate struct {
	Type      string       `json:"type"`
	ItemID    string       `json:"itemId"`
	Aggregate AggregateDTO `json:"aggregate"`
	Timestamp time.Time    `json:"timestamp"`
}

// StatsUpdate is the payload of a statsUpdate message.
type StatsUpdate struct {
	Type      string       `json:"type"`
	Stats     *GlobalStats `json:"stats"`
	Timestamp time.Time    `json:"timestamp"`
}

// RankingsUpdate is the payload of a rankingsUpdate message.
type RankingsUpdate struct {
	Type      string         `json:"type"`
	Rankings  []RankingEntry `json:"rankings"`
	Timestamp time.Time      `json:"timestamp"`
}
