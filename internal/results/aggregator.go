// Package results tallies a poll's answers into per-option counts and timing stats.
package results

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/aura-classroom/livepoll/internal/apperr"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/store"
)

// Polls loads poll definitions.
type Polls interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Poll, error)
}

// Aggregator recomputes results from stored answers on every call.
type Aggregator struct {
	polls   Polls
	answers store.AnswerRepository
}

// NewAggregator creates an aggregator.
func NewAggregator(polls Polls, answers store.AnswerRepository) *Aggregator {
	return &Aggregator{polls: polls, answers: answers}
}

// Compute loads the poll and its answers and tallies them.
func (a *Aggregator) Compute(ctx context.Context, pollID uuid.UUID) (*models.Results, error) {
	poll, err := a.polls.Get(ctx, pollID)
	if err != nil {
		return nil, err
	}
	answers, err := a.answers.ListAnswers(ctx, pollID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Server, "failed to load answers", err)
	}
	return Tally(poll, answers), nil
}

// Tally counts answers per option. Every option appears, ordered by index,
// and percentages are 0 when there are no answers.
func Tally(poll *models.Poll, answers []models.Answer) *models.Results {
	entries := make([]models.ResultEntry, len(poll.Options))
	for i, opt := range poll.Options {
		entries[i] = models.ResultEntry{Option: opt, Index: i}
	}

	var stats models.Stats
	var sum float64
	for _, ans := range answers {
		if ans.SelectedIndex < 0 || ans.SelectedIndex >= len(entries) {
			continue
		}
		entries[ans.SelectedIndex].VoteCount++
		stats.TotalResponses++

		rt := ans.ResponseTimeSeconds
		sum += rt
		if stats.TotalResponses == 1 || rt < stats.FastestResponse {
			stats.FastestResponse = rt
		}
		if rt > stats.SlowestResponse {
			stats.SlowestResponse = rt
		}
		at := ans.AnsweredAt
		if stats.FirstResponseAt == nil || at.Before(*stats.FirstResponseAt) {
			first := at
			stats.FirstResponseAt = &first
		}
		if stats.LastResponseAt == nil || at.After(*stats.LastResponseAt) {
			last := at
			stats.LastResponseAt = &last
		}
	}

	if stats.TotalResponses > 0 {
		total := float64(stats.TotalResponses)
		stats.AverageResponseTime = round2(sum / total)
		for i := range entries {
			entries[i].Percentage = round2(float64(entries[i].VoteCount) / total * 100)
		}
	}

	return &models.Results{PollID: poll.ID, Entries: entries, Stats: stats}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
