package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/results"
	"github.com/aura-classroom/livepoll/internal/store"
	"github.com/aura-classroom/livepoll/pkg/queue"
	"github.com/aura-classroom/livepoll/pkg/storage"
)

// Uploader is the object store the archives are written to.
type Uploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	ArchiveBucket() string
}

// Jobs is the queue the processor consumes.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Archive is the document written for every ended poll.
type Archive struct {
	Poll       *models.PollView `json:"poll"`
	Results    *models.Results  `json:"results"`
	Answers    []models.Answer  `json:"answers"`
	ArchivedAt time.Time        `json:"archivedAt"`
}

// ArchiveProcessor processes poll archive jobs: load the ended poll and its
// answers, tally them and upload the document to S3.
type ArchiveProcessor struct {
	polls   store.PollRepository
	answers store.AnswerRepository
	s3      Uploader
	queue   Jobs
	logger  *zap.Logger
	backoff time.Duration
	now     func() time.Time
}

// NewArchiveProcessor creates a poll archive processor.
func NewArchiveProcessor(polls store.PollRepository, answers store.AnswerRepository, s3 Uploader, q Jobs, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{
		polls:   polls,
		answers: answers,
		s3:      s3,
		queue:   q,
		logger:  logger,
		backoff: queue.RetryBackoff,
		now:     time.Now,
	}
}

// Process executes one poll archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePollArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PollArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	poll, err := p.polls.GetPoll(ctx, payload.PollID)
	if err != nil {
		return fmt.Errorf("load poll %s: %w", payload.PollID, err)
	}
	if poll.State() != models.PollEnded {
		return fmt.Errorf("poll %s is %s, not ended", poll.ID, poll.State())
	}
	answers, err := p.answers.ListAnswers(ctx, poll.ID)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}

	body, err := json.Marshal(Archive{
		Poll:       poll.View(),
		Results:    results.Tally(poll, answers),
		Answers:    answers,
		ArchivedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}

	key := storage.ArchiveKey(poll.RoomID, poll.ID.String())
	if _, err := p.s3.Upload(ctx, p.s3.ArchiveBucket(), key, storage.ArchiveContentType, bytes.NewReader(body), int64(len(body))); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	p.logger.Info("poll archived", zap.String("poll_id", poll.ID.String()), zap.String("room_id", poll.RoomID), zap.String("s3_key", key), zap.Int("answers", len(answers)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
