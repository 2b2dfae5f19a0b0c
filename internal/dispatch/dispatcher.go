package dispatch

import (
	"context"
	"fmt"

	"github.com/flufflyhq/fluffly/internal/mailer"
	"github.com/flufflyhq/fluffly/internal/provider"
	"github.com/flufflyhq/fluffly/pkg/logx"
	"github.com/flufflyhq/fluffly/pkg/metrics"
)

// Sender is the delivery client surface the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, req provider.SendRequest) (string, error)
}

// Store is the data access the dispatcher needs. Implemented by
// *store.Store; tests supply fakes.
type Store interface {
	GetCampaign(ctx context.Context, id string) (mailer.Campaign, error)
	GetGroupByName(ctx context.Context, userID, name string) (mailer.Group, error)
	ListGroupContacts(ctx context.Context, groupID string) ([]mailer.Contact, error)
	InsertSentEmail(ctx context.Context, e *mailer.SentEmail) error
	SetCampaignStatus(ctx context.Context, id string, st mailer.CampaignStatus) error
	AdvanceDispatchJob(ctx context.Context, id string, cursor, sentDelta, failedDelta int) error
}

// Request describes one dispatch run. GroupID takes precedence over
// GroupName when set (job resumption has already resolved the group).
// JobID, Cursor and Total are set only for persisted runs: progress is
// written after every contact, the loop starts at Cursor, and Total pins
// the recipient count captured when the job was enqueued so cursors stay
// meaningful when the group changed between runs.
type Request struct {
	CampaignID string
	UserID     string
	GroupName  string
	GroupID    string
	Subject    string
	HTML       string
	FromHeader string
	JobID      string
	Cursor     int
	Total      int
}

type Dispatcher struct {
	store   Store
	sender  Sender
	limiter Limiter
}

func New(st Store, sender Sender, limiter Limiter) *Dispatcher {
	return &Dispatcher{store: st, sender: sender, limiter: limiter}
}

// Dispatch runs the send loop over the resolved recipient list. Individual
// provider failures are recovered into the result; only precondition
// violations, store faults and cancellation abort the run. On cancellation
// the partial result is returned together with ctx.Err(), so a persisted
// job can resume later from its cursor.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (mailer.DispatchResult, error) {
	var res mailer.DispatchResult

	camp, err := d.store.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return res, err
	}
	if camp.UserID != req.UserID {
		return res, fmt.Errorf("campaign %s: %w", req.CampaignID, mailer.ErrUnauthorized)
	}

	groupID := req.GroupID
	if groupID == "" {
		group, err := d.store.GetGroupByName(ctx, req.UserID, req.GroupName)
		if err != nil {
			return res, err
		}
		groupID = group.ID
	}

	contacts, err := d.store.ListGroupContacts(ctx, groupID)
	if err != nil {
		return res, err
	}
	if len(contacts) == 0 {
		return res, mailer.ErrEmptyRecipientSet
	}

	res.Total = len(contacts)
	if req.Total > 0 {
		res.Total = req.Total
		if len(contacts) > req.Total {
			contacts = contacts[:req.Total]
		}
	}
	if req.Cursor > len(contacts) {
		req.Cursor = len(contacts)
	}

	for i := req.Cursor; i < len(contacts); i++ {
		if i > req.Cursor {
			if err := d.limiter.Wait(ctx); err != nil {
				return res, err
			}
		} else if err := ctx.Err(); err != nil {
			return res, err
		}

		contact := contacts[i]
		sentDelta, failedDelta := 0, 0

		msgID, sendErr := d.sender.Send(ctx, provider.SendRequest{
			From:    req.FromHeader,
			To:      contact.Email,
			Subject: req.Subject,
			HTML:    req.HTML,
		})
		if sendErr != nil {
			perr := &mailer.ProviderError{Recipient: contact.Email, Err: sendErr}
			res.Failed++
			failedDelta = 1
			res.Errors = append(res.Errors, perr.Error())
			metrics.DispatchEmailsFailed.Inc()
			logx.L().Warnw("send_failed",
				"campaign_id", req.CampaignID, "contact_id", contact.ID, "email", contact.Email, "error", sendErr)
		} else {
			sent := mailer.SentEmail{
				CampaignID:   req.CampaignID,
				ContactID:    contact.ID,
				UserID:       req.UserID,
				ContactEmail: contact.Email,
				MessageID:    msgID,
				Status:       mailer.SentStatusSent,
			}
			if err := d.store.InsertSentEmail(ctx, &sent); err != nil {
				return res, fmt.Errorf("record sent email for %s: %w", contact.Email, err)
			}
			res.Sent++
			sentDelta = 1
			metrics.DispatchEmailsSent.Inc()
		}

		if req.JobID != "" {
			if err := d.store.AdvanceDispatchJob(ctx, req.JobID, i+1, sentDelta, failedDelta); err != nil {
				return res, fmt.Errorf("advance dispatch job %s: %w", req.JobID, err)
			}
		}
	}

	if res.Sent > 0 {
		if err := d.store.SetCampaignStatus(ctx, req.CampaignID, mailer.CampaignSent); err != nil {
			return res, fmt.Errorf("mark campaign sent: %w", err)
		}
	}
	return res, nil
}
