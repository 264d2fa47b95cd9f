package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-classroom/livepoll/internal/models"
)

// Postgres is the pgx-backed Repository.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres repository.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const pollColumns = `id, room_id, question, options, time_limit_seconds, created_by, created_at, started_at, ended_at, end_reason`

func scanPoll(row pgx.Row) (*models.Poll, error) {
	var p models.Poll
	var reason string
	err := row.Scan(&p.ID, &p.RoomID, &p.Question, &p.Options, &p.TimeLimitSeconds, &p.CreatedBy,
		&p.CreatedAt, &p.StartedAt, &p.EndedAt, &reason)
	if err != nil {
		return nil, err
	}
	p.EndReason = models.EndReason(reason)
	return &p, nil
}

// CreatePoll inserts a new poll.
func (r *Postgres) CreatePoll(ctx context.Context, p *models.Poll) error {
	const query = `INSERT INTO polls (` + pollColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query, p.ID, p.RoomID, p.Question, p.Options, p.TimeLimitSeconds, p.CreatedBy,
		p.CreatedAt, p.StartedAt, p.EndedAt, string(p.EndReason))
	if err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}
	return nil
}

// UpdatePoll writes the lifecycle timestamps of a poll.
func (r *Postgres) UpdatePoll(ctx context.Context, p *models.Poll) error {
	const query = `UPDATE polls SET started_at = $2, ended_at = $3, end_reason = $4 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, p.ID, p.StartedAt, p.EndedAt, string(p.EndReason))
	if err != nil {
		return fmt.Errorf("update poll: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPoll returns a poll by ID.
func (r *Postgres) GetPoll(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	const query = `SELECT ` + pollColumns + ` FROM polls WHERE id = $1`
	p, err := scanPoll(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get poll: %w", err)
	}
	return p, nil
}

// ListPolls returns polls newest first with the unpaged total.
func (r *Postgres) ListPolls(ctx context.Context, opts ListOptions) ([]*models.Poll, int, error) {
	opts = opts.normalized()
	var total int
	const countQ = `SELECT COUNT(*) FROM polls WHERE ($1 = '' OR room_id = $1)`
	if err := r.pool.QueryRow(ctx, countQ, opts.RoomID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count polls: %w", err)
	}

	const query = `SELECT ` + pollColumns + ` FROM polls WHERE ($1 = '' OR room_id = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, opts.RoomID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list polls: %w", err)
	}
	defer rows.Close()
	list := []*models.Poll{}
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, p)
	}
	return list, total, rows.Err()
}

// InsertAnswerIfAbsent relies on the (poll_id, tab_id) primary key.
func (r *Postgres) InsertAnswerIfAbsent(ctx context.Context, a *models.Answer) (bool, error) {
	const query = `INSERT INTO poll_answers (poll_id, tab_id, student_name, selected_option, selected_index, response_time_seconds, answered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (poll_id, tab_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, a.PollID, a.TabID, a.StudentName, a.SelectedOption, a.SelectedIndex,
		a.ResponseTimeSeconds, a.AnsweredAt)
	if err != nil {
		return false, fmt.Errorf("insert answer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListAnswers returns all answers of a poll in answer order.
func (r *Postgres) ListAnswers(ctx context.Context, pollID uuid.UUID) ([]models.Answer, error) {
	const query = `SELECT poll_id, tab_id, student_name, selected_option, selected_index, response_time_seconds, answered_at
		FROM poll_answers WHERE poll_id = $1 ORDER BY answered_at`
	rows, err := r.pool.Query(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()
	var list []models.Answer
	for rows.Next() {
		var a models.Answer
		if err := rows.Scan(&a.PollID, &a.TabID, &a.StudentName, &a.SelectedOption, &a.SelectedIndex,
			&a.ResponseTimeSeconds, &a.AnsweredAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// CountAnswers returns the number of answers for a poll.
func (r *Postgres) CountAnswers(ctx context.Context, pollID uuid.UUID) (int, error) {
	const query = `SELECT COUNT(*) FROM poll_answers WHERE poll_id = $1`
	var n int
	err := r.pool.QueryRow(ctx, query, pollID).Scan(&n)
	return n, err
}

// HasAnswered reports whether a tab answered a poll.
func (r *Postgres) HasAnswered(ctx context.Context, pollID uuid.UUID, tabID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM poll_answers WHERE poll_id = $1 AND tab_id = $2)`
	var ok bool
	err := r.pool.QueryRow(ctx, query, pollID, tabID).Scan(&ok)
	return ok, err
}

// UpsertStudent inserts a student or refreshes the existing (room_id, tab_id) row.
func (r *Postgres) UpsertStudent(ctx context.Context, s *models.Student) error {
	const query = `INSERT INTO students (room_id, tab_id, name, connection_id, is_active, joined_at, last_seen_at, current_poll_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id, tab_id) DO UPDATE SET
			name = EXCLUDED.name,
			connection_id = EXCLUDED.connection_id,
			is_active = EXCLUDED.is_active,
			last_seen_at = EXCLUDED.last_seen_at,
			current_poll_id = EXCLUDED.current_poll_id`
	_, err := r.pool.Exec(ctx, query, s.RoomID, s.TabID, s.Name, s.ConnectionID, s.IsActive, s.JoinedAt,
		s.LastSeenAt, s.CurrentPollID)
	if err != nil {
		return fmt.Errorf("upsert student: %w", err)
	}
	return nil
}

// GetStudent returns a student by room and tab.
func (r *Postgres) GetStudent(ctx context.Context, roomID, tabID string) (*models.Student, error) {
	const query = `SELECT room_id, tab_id, name, connection_id, is_active, joined_at, last_seen_at, current_poll_id
		FROM students WHERE room_id = $1 AND tab_id = $2`
	var s models.Student
	err := r.pool.QueryRow(ctx, query, roomID, tabID).Scan(&s.RoomID, &s.TabID, &s.Name, &s.ConnectionID,
		&s.IsActive, &s.JoinedAt, &s.LastSeenAt, &s.CurrentPollID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get student: %w", err)
	}
	return &s, nil
}

// MarkStudentInactive flags a student as disconnected.
func (r *Postgres) MarkStudentInactive(ctx context.Context, roomID, tabID string, at time.Time) error {
	const query = `UPDATE students SET is_active = FALSE, last_seen_at = $3 WHERE room_id = $1 AND tab_id = $2`
	tag, err := r.pool.Exec(ctx, query, roomID, tabID, at)
	if err != nil {
		return fmt.Errorf("mark student inactive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveStudents returns the active students of a room, newest first.
func (r *Postgres) ListActiveStudents(ctx context.Context, roomID string) ([]models.Student, error) {
	const query = `SELECT room_id, tab_id, name, connection_id, is_active, joined_at, last_seen_at, current_poll_id
		FROM students WHERE room_id = $1 AND is_active ORDER BY joined_at DESC`
	rows, err := r.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()
	var list []models.Student
	for rows.Next() {
		var s models.Student
		if err := rows.Scan(&s.RoomID, &s.TabID, &s.Name, &s.ConnectionID, &s.IsActive, &s.JoinedAt,
			&s.LastSeenAt, &s.CurrentPollID); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// DeleteInactiveStudents removes inactive students last seen before cutoff.
func (r *Postgres) DeleteInactiveStudents(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM students WHERE NOT is_active AND last_seen_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete inactive students: %w", err)
	}
	return tag.RowsAffected(), nil
}
