package models

import (
	"time"

	"github.com/google/uuid"
)

// ResultEntry is the vote tally for one option.
type ResultEntry struct {
	Option     string  `json:"option"`
	Index      int     `json:"index"`
	VoteCount  int     `json:"voteCount"`
	Percentage float64 `json:"percentage"`
}

// Stats summarizes response timing for a poll.
type Stats struct {
	TotalResponses      int        `json:"totalResponses"`
	AverageResponseTime float64    `json:"averageResponseTime"`
	FastestResponse     float64    `json:"fastestResponse"`
	SlowestResponse     float64    `json:"slowestResponse"`
	FirstResponseAt     *time.Time `json:"firstResponse,omitempty"`
	LastResponseAt      *time.Time `json:"lastResponse,omitempty"`
}

// Results is the aggregate for a poll, always recomputed from its answers.
type Results struct {
	PollID  uuid.UUID     `json:"pollId"`
	Entries []ResultEntry `json:"results"`
	Stats   Stats         `json:"stats"`
}
