package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-classroom/livepoll/internal/models"
)

type answerKey struct {
	pollID uuid.UUID
	tabID  string
}

type studentKey struct {
	roomID string
	tabID  string
}

// Memory is an in-process Repository. Values are copied in and out.
type Memory struct {
	mu       sync.RWMutex
	polls    map[uuid.UUID]*models.Poll
	answers  map[answerKey]models.Answer
	byPoll   map[uuid.UUID][]answerKey
	students map[studentKey]models.Student
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		polls:    make(map[uuid.UUID]*models.Poll),
		answers:  make(map[answerKey]models.Answer),
		byPoll:   make(map[uuid.UUID][]answerKey),
		students: make(map[studentKey]models.Student),
	}
}

// CreatePoll stores a new poll.
func (m *Memory) CreatePoll(ctx context.Context, p *models.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls[p.ID] = p.Clone()
	return nil
}

// UpdatePoll replaces a stored poll.
func (m *Memory) UpdatePoll(ctx context.Context, p *models.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.polls[p.ID]; !ok {
		return ErrNotFound
	}
	m.polls[p.ID] = p.Clone()
	return nil
}

// GetPoll returns a copy of a poll.
func (m *Memory) GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.polls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// ListPolls returns polls newest first, and the total before paging.
func (m *Memory) ListPolls(ctx context.Context, opts ListOptions) ([]*models.Poll, int, error) {
	opts = opts.normalized()
	m.mu.RLock()
	var all []*models.Poll
	for _, p := range m.polls {
		if opts.RoomID == "" || p.RoomID == opts.RoomID {
			all = append(all, p.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if opts.Offset >= total {
		return []*models.Poll{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	return all[opts.Offset:end], total, nil
}

// InsertAnswerIfAbsent checks and inserts under one write lock.
func (m *Memory) InsertAnswerIfAbsent(ctx context.Context, a *models.Answer) (bool, error) {
	key := answerKey{pollID: a.PollID, tabID: a.TabID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.answers[key]; exists {
		return false, nil
	}
	m.answers[key] = *a
	m.byPoll[a.PollID] = append(m.byPoll[a.PollID], key)
	return true, nil
}

// ListAnswers returns answers for a poll in insertion order.
func (m *Memory) ListAnswers(ctx context.Context, pollID uuid.UUID) ([]models.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.byPoll[pollID]
	out := make([]models.Answer, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.answers[k])
	}
	return out, nil
}

// CountAnswers returns the number of answers for a poll.
func (m *Memory) CountAnswers(ctx context.Context, pollID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPoll[pollID]), nil
}

// HasAnswered reports whether the tab has answered the poll.
func (m *Memory) HasAnswered(ctx context.Context, pollID uuid.UUID, tabID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.answers[answerKey{pollID: pollID, tabID: tabID}]
	return ok, nil
}

// UpsertStudent inserts or replaces a student record.
func (m *Memory) UpsertStudent(ctx context.Context, s *models.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[studentKey{roomID: s.RoomID, tabID: s.TabID}] = *s
	return nil
}

// GetStudent returns a student record.
func (m *Memory) GetStudent(ctx context.Context, roomID, tabID string) (*models.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[studentKey{roomID: roomID, tabID: tabID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// MarkStudentInactive flags a student as gone without deleting the record.
func (m *Memory) MarkStudentInactive(ctx context.Context, roomID, tabID string, at time.Time) error {
	key := studentKey{roomID: roomID, tabID: tabID}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[key]
	if !ok {
		return ErrNotFound
	}
	s.IsActive = false
	s.LastSeenAt = at
	m.students[key] = s
	return nil
}

// ListActiveStudents returns active students of a room, newest first.
func (m *Memory) ListActiveStudents(ctx context.Context, roomID string) ([]models.Student, error) {
	m.mu.RLock()
	var out []models.Student
	for k, s := range m.students {
		if k.roomID == roomID && s.IsActive {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.After(out[j].JoinedAt) })
	return out, nil
}

// DeleteInactiveStudents drops inactive students last seen before cutoff.
func (m *Memory) DeleteInactiveStudents(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.students {
		if !s.IsActive && s.LastSeenAt.Before(cutoff) {
			delete(m.students, k)
			n++
		}
	}
	return n, nil
}
