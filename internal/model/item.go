package model

// Item is a votable LLM model. Items are seeded, rarely change and are never
// deleted while votes reference them.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Company     string `json:"company"`
	ReleaseYear int    `json:"releaseYear"`
	Logo        string `json:"logo,omitempty"`
}

// ItemResponse is an item with its current aggregate.
type ItemResponse struct {
	Item
	Votes AggregateDTO `json:"votes"`
	Rank  int          `json:"rank,omitempty"`
}
