package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/backend/internal/models"
	"github.com/aura-learn/backend/pkg/queue"
)

// Jobs is the queue surface the processor consumes.
type Jobs interface {
	Dequeue(ctx context.Context, queues ...string) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// DeliveryLog records each attempt.
type DeliveryLog interface {
	Record(ctx context.Context, l *models.EmailLog) error
}

// EmailProcessor delivers payment receipts and refund notices queued by the API.
type EmailProcessor struct {
	jobs    Jobs
	sender  Sender
	logs    DeliveryLog
	logger  *zap.Logger
	backoff time.Duration
	now     func() time.Time
}

// NewEmailProcessor creates an email processor. logs may be nil.
func NewEmailProcessor(jobs Jobs, sender Sender, logs DeliveryLog, logger *zap.Logger) *EmailProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailProcessor{jobs: jobs, sender: sender, logs: logs, logger: logger, backoff: queue.RetryBackoff, now: time.Now}
}

// Process executes one email job.
func (p *EmailProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeEmail {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.RecipientEmail == "" {
		p.logger.Warn("email job without recipient dropped", zap.String("job_id", job.ID))
		return nil
	}

	sendErr := p.sender.Send(ctx, payload.RecipientEmail, payload.Subject, payload.BodyText)
	p.record(ctx, job, payload, sendErr)
	if sendErr != nil {
		return fmt.Errorf("send: %w", sendErr)
	}
	p.logger.Info("email sent",
		zap.String("template", payload.Template),
		zap.String("payment_id", payload.PaymentID.String()),
	)
	return nil
}

func (p *EmailProcessor) record(ctx context.Context, job *queue.Job, payload queue.EmailPayload, sendErr error) {
	if p.logs == nil {
		return
	}
	l := &models.EmailLog{
		Template:       payload.Template,
		RecipientEmail: payload.RecipientEmail,
		Subject:        payload.Subject,
		Status:         models.EmailStatusSent,
		Attempt:        job.Attempt,
	}
	if payload.PaymentID != uuid.Nil {
		id := payload.PaymentID
		l.PaymentID = &id
	}
	if sendErr != nil {
		l.Status = models.EmailStatusFailed
		l.ErrorMessage = sendErr.Error()
	} else {
		now := p.now()
		l.SentAt = &now
	}
	if err := p.logs.Record(ctx, l); err != nil {
		p.logger.Error("record email log failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *EmailProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("email worker stopping")
			return
		default:
		}
		p.runOnce(ctx)
	}
}

// runOnce handles at most one job.
func (p *EmailProcessor) runOnce(ctx context.Context) {
	job, _, err := p.jobs.Dequeue(ctx, queue.QueueEmails)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("dequeue error", zap.Error(err))
		p.sleep(ctx)
		return
	}
	if job == nil {
		return
	}

	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	if err := p.Process(ctx, job); err != nil {
		p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
		if reErr := p.jobs.Retry(ctx, job); reErr != nil {
			p.logger.Error("retry enqueue failed", zap.Error(reErr))
		}
		p.sleep(ctx)
	}
}

func (p *EmailProcessor) sleep(ctx context.Context) {
	if p.backoff <= 0 {
		return
	}
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
