package realtime

import (
	"time"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// Client message types.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgVote        = "vote"
	msgSync        = "sync"
	msgGetStats    = "getStats"
	msgPing        = "ping"
)

// clientMessage is any message a client sends. Channel may be omitted for
// subscriptions when ItemID names an item.
type clientMessage struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	ItemID    string `json:"itemId,omitempty"`
	VoteValue *int   `json:"voteValue,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func (m clientMessage) channel() string {
	if m.Channel == "" && m.ItemID != "" {
		return model.ItemChannel(m.ItemID)
	}
	return m.Channel
}

type errorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

type initialDataMessage struct {
	Type         string                `json:"type"`
	ConnectionID string                `json:"connectionId"`
	Data         *model.ResyncResponse `json:"data"`
}

type subscriptionMessage struct {
	Type      string               `json:"type"`
	Channel   string               `json:"channel"`
	ItemID    string               `json:"itemId,omitempty"`
	Aggregate *model.AggregateDTO  `json:"aggregate,omitempty"`
	Rankings  []model.RankingEntry `json:"rankings,omitempty"`
	Stats     *model.GlobalStats   `json:"stats,omitempty"`
}

type voteConfirmedMessage struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	ItemID    string            `json:"itemId"`
	Result    *model.VoteResult `json:"result"`
}

type voteErrorMessage struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	ItemID    string    `json:"itemId,omitempty"`
	Error     errorBody `json:"error"`
}

type syncDataMessage struct {
	Type      string                `json:"type"`
	Data      *model.ResyncResponse `json:"data"`
	Timestamp time.Time             `json:"timestamp"`
}

type statsMessage struct {
	Type        string               `json:"type"`
	Stats       *model.GlobalStats   `json:"stats"`
	Rankings    []model.RankingEntry `json:"rankings"`
	Connections HubStats             `json:"connections"`
	Timestamp   time.Time            `json:"timestamp"`
}

type pongMessage struct {
	Type       string    `json:"type"`
	ServerTime time.Time `json:"serverTime"`
}

type errorMessage struct {
	Type  string    `json:"type"`
	Error errorBody `json:"error"`
}

type shutdownMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
