package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/flufflyhq/fluffly/internal/dispatch"
	"github.com/flufflyhq/fluffly/internal/mailer"
	"github.com/flufflyhq/fluffly/pkg/logx"
	"github.com/flufflyhq/fluffly/pkg/metrics"
)

const maxRetries = 3

// JobMessage is the queue payload: the id of a persisted dispatch job.
// Everything else lives in the job row, so a redelivered message resumes
// from the stored cursor.
type JobMessage struct {
	JobID string `json:"job_id"`
}

type jobStore interface {
	GetDispatchJob(ctx context.Context, id string) (mailer.DispatchJob, error)
	SetDispatchJobStatus(ctx context.Context, id string, st mailer.JobStatus) error
	MarkDispatchJobRetry(ctx context.Context, id string) error
	SetCampaignStatus(ctx context.Context, id string, st mailer.CampaignStatus) error
	ListUnfinishedJobs(ctx context.Context) ([]mailer.DispatchJob, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (mailer.DispatchResult, error)
}

type consumer interface {
	Consume() (<-chan amqp.Delivery, error)
}

type publisher interface {
	PublishJSONWithHeaders(ctx context.Context, body []byte, headers amqp.Table) error
}

type Worker struct {
	Store      jobStore
	Dispatcher dispatcher
	Cons       consumer
	Pub        publisher
}

func New(st jobStore, d dispatcher, cons consumer, pub publisher) *Worker {
	return &Worker{Store: st, Dispatcher: d, Cons: cons, Pub: pub}
}

// Run consumes dispatch-job ids until the context is canceled. Before
// consuming it re-enqueues jobs a previous process left unfinished.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.resumeUnfinished(ctx); err != nil {
		logx.L().Errorw("resume_unfinished_error", "error", err)
	}

	msgs, err := w.Cons.Consume()
	if err != nil {
		return err
	}
	logx.L().Infow("worker_started")

	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("worker_stopping")
			return ctx.Err()

		case d, ok := <-msgs:
			if !ok {
				logx.L().Warnw("consumer_channel_closed")
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

// resumeUnfinished republishes jobs stuck in queued/running after a crash.
// Their cursors make the replay idempotent over already-attempted contacts,
// and the persisted attempt counter keeps the retry budget from resetting.
func (w *Worker) resumeUnfinished(ctx context.Context) error {
	jobs, err := w.Store.ListUnfinishedJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		payload, err := json.Marshal(JobMessage{JobID: job.ID})
		if err != nil {
			return err
		}
		headers := amqp.Table{"x-retries": int32(job.Attempts)}
		if err := w.Pub.PublishJSONWithHeaders(ctx, payload, headers); err != nil {
			return err
		}
		logx.L().Infow("job_requeued_on_start",
			"job_id", job.ID, "cursor", job.Cursor, "total", job.Total, "attempts", job.Attempts)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	metrics.WorkerJobsConsumed.Inc()
	defer func() { metrics.WorkerJobDuration.Observe(time.Since(start).Seconds()) }()

	var msg JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
		logx.L().Warnw("job_unmarshal_error", "error", err)
		_ = d.Ack(false)
		return
	}
	fields := []any{"job_id", msg.JobID}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	job, err := w.Store.GetDispatchJob(loadCtx, msg.JobID)
	cancel()
	if err != nil {
		if errors.Is(err, mailer.ErrNotFound) {
			logx.L().Warnw("job_not_found", fields...)
			_ = d.Ack(false)
			return
		}
		logx.L().Errorw("job_load_error", append(fields, "error", err)...)
		w.retryOrDrop(ctx, d, msg.JobID, fields)
		return
	}

	if job.Status == mailer.JobCompleted || job.Status == mailer.JobCanceled {
		logx.L().Infow("job_already_finished", append(fields, "status", job.Status)...)
		_ = d.Ack(false)
		return
	}

	if err := w.Store.SetDispatchJobStatus(ctx, job.ID, mailer.JobRunning); err != nil {
		logx.L().Errorw("job_mark_running_error", append(fields, "error", err)...)
		w.retryOrDrop(ctx, d, job.ID, fields)
		return
	}

	result, err := w.Dispatcher.Dispatch(ctx, dispatch.Request{
		CampaignID: job.CampaignID,
		UserID:     job.UserID,
		GroupID:    job.GroupID,
		Subject:    job.Subject,
		HTML:       job.HTML,
		FromHeader: job.FromHeader,
		JobID:      job.ID,
		Cursor:     job.Cursor,
		Total:      job.Total,
	})
	switch {
	case err == nil:
		w.finish(ctx, job, result, fields)
		_ = d.Ack(false)

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// shutdown mid-run; the cursor is persisted, another worker resumes
		logx.L().Infow("job_interrupted", append(fields, "sent", result.Sent, "failed", result.Failed)...)
		_ = d.Nack(false, true)

	case errors.Is(err, mailer.ErrUnauthorized),
		errors.Is(err, mailer.ErrNotFound),
		errors.Is(err, mailer.ErrEmptyRecipientSet):
		// precondition failures never heal on retry
		logx.L().Warnw("job_precondition_failed", append(fields, "error", err)...)
		if err := w.Store.SetDispatchJobStatus(ctx, job.ID, mailer.JobCanceled); err != nil {
			logx.L().Errorw("job_cancel_error", append(fields, "error", err)...)
		}
		_ = d.Ack(false)

	default:
		logx.L().Errorw("job_dispatch_error", append(fields, "error", err)...)
		w.retryOrDrop(ctx, d, job.ID, fields)
	}
}

func (w *Worker) finish(ctx context.Context, job mailer.DispatchJob, result mailer.DispatchResult, fields []any) {
	// a resumed run may deliver zero itself while earlier runs sent some;
	// the cumulative counters decide the campaign transition
	final, err := w.Store.GetDispatchJob(ctx, job.ID)
	if err == nil && final.Sent > 0 && result.Sent == 0 {
		if err := w.Store.SetCampaignStatus(ctx, job.CampaignID, mailer.CampaignSent); err != nil {
			logx.L().Errorw("campaign_mark_sent_error", append(fields, "error", err)...)
		}
	}
	if err := w.Store.SetDispatchJobStatus(ctx, job.ID, mailer.JobCompleted); err != nil {
		logx.L().Errorw("job_complete_error", append(fields, "error", err)...)
		return
	}
	metrics.WorkerJobsCompleted.Inc()
	logx.L().Infow("job_completed", append(fields, "total", result.Total, "sent", result.Sent, "failed", result.Failed)...)
}

// retryOrDrop requeues the delivery with exponential backoff up to
// maxRetries. An exhausted job is canceled so it never resurfaces through
// the unfinished-job resume on the next start.
func (w *Worker) retryOrDrop(ctx context.Context, d amqp.Delivery, jobID string, fields []any) {
	retries := headerRetries(d.Headers)
	if retries >= maxRetries {
		logx.L().Warnw("job_canceled_after_retries", append(fields, "retries", retries)...)
		if err := w.Store.SetDispatchJobStatus(ctx, jobID, mailer.JobCanceled); err != nil {
			logx.L().Errorw("job_cancel_error", append(fields, "error", err)...)
		}
		_ = d.Ack(false)
		return
	}

	metrics.WorkerJobRetries.Inc()
	if err := w.Store.MarkDispatchJobRetry(ctx, jobID); err != nil {
		logx.L().Errorw("job_mark_retry_error", append(fields, "error", err)...)
	}
	// first requeue is immediate, later ones back off
	delay := backoffDelay(retries)
	logx.L().Infow("retry_requeue", append(fields, "retries", retries+1, "delay", delay.String())...)
	if err := w.requeue(ctx, d, retries+1, delay); err != nil {
		logx.L().Errorw("retry_publish_error", append(fields, "error", err)...)
		_ = d.Nack(false, true)
	}
}

func (w *Worker) requeue(ctx context.Context, d amqp.Delivery, retries int, delay time.Duration) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	headers := copyHeaders(d.Headers)
	headers["x-retries"] = int32(retries)

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Pub.PublishJSONWithHeaders(pubCtx, d.Body, headers); err != nil {
		return err
	}
	return d.Ack(false)
}

func headerRetries(h amqp.Table) int {
	if h == nil {
		return 0
	}
	if v, ok := h["x-retries"]; ok {
		switch t := v.(type) {
		case int32:
			return int(t)
		case int64:
			return int(t)
		case int:
			return t
		}
	}
	return 0
}

func backoffDelay(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	sec := math.Pow(2, float64(retries-1))
	return time.Duration(sec) * time.Second
}

func copyHeaders(h amqp.Table) amqp.Table {
	dup := make(amqp.Table, len(h)+1)
	for k, v := range h {
		dup[k] = v
	}
	return dup
}
