// Package store is the durable storage collaborator of the poll coordinator.
// Implementations must make InsertAnswerIfAbsent atomic on (poll id, tab id).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aura-classroom/livepoll/internal/models"
)

// ErrNotFound is returned when a poll or student does not exist.
var ErrNotFound = errors.New("store: not found")

// PollRepository persists polls.
type PollRepository interface {
	CreatePoll(ctx context.Context, p *models.Poll) error
	UpdatePoll(ctx context.Context, p *models.Poll) error
	GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error)
	ListPolls(ctx context.Context, opts ListOptions) ([]*models.Poll, int, error)
}

// AnswerRepository persists answers.
type AnswerRepository interface {
	// InsertAnswerIfAbsent records a and reports true, or reports false when an
	// answer for (a.PollID, a.TabID) already exists.
	InsertAnswerIfAbsent(ctx context.Context, a *models.Answer) (bool, error)
	ListAnswers(ctx context.Context, pollID uuid.UUID) ([]models.Answer, error)
	CountAnswers(ctx context.Context, pollID uuid.UUID) (int, error)
	HasAnswered(ctx context.Context, pollID uuid.UUID, tabID string) (bool, error)
}

// StudentRepository persists student records keyed by (room id, tab id).
type StudentRepository interface {
	UpsertStudent(ctx context.Context, s *models.Student) error
	GetStudent(ctx context.Context, roomID, tabID string) (*models.Student, error)
	MarkStudentInactive(ctx context.Context, roomID, tabID string, at time.Time) error
	ListActiveStudents(ctx context.Context, roomID string) ([]models.Student, error)
	// DeleteInactiveStudents removes inactive records last seen before cutoff.
	DeleteInactiveStudents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repository is everything the coordinator needs from durable storage.
type Repository interface {
	PollRepository
	AnswerRepository
	StudentRepository
}

// ListOptions pages poll history. An empty RoomID lists every room.
type ListOptions struct {
	RoomID string
	Limit  int
	Offset int
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 || o.Limit > 100 {
		o.Limit = 10
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
