package analytics

import (
	"context"
	"fmt"

	"github.com/flufflyhq/fluffly/internal/mailer"
)

// Store is the read surface the aggregator needs.
type Store interface {
	GetCampaign(ctx context.Context, id string) (mailer.Campaign, error)
	CountSentEmails(ctx context.Context, campaignID string) (int, error)
	CountEventsByType(ctx context.Context, campaignID string, t mailer.EventType) (int, error)
}

// Result distinguishes "sent but no engagement" from "not sent yet":
// Ready is false with a Reason for campaigns that never went out, so zeros
// in Stats always mean real zeros.
type Result struct {
	Ready  bool         `json:"ready"`
	Reason string       `json:"reason,omitempty"`
	Stats  mailer.Stats `json:"stats"`
}

// Aggregator derives campaign stats by re-counting rows. Pure read, safe
// to run concurrently with dispatch and reconciliation.
type Aggregator struct {
	store Store
}

func New(st Store) *Aggregator { return &Aggregator{store: st} }

func (a *Aggregator) CampaignStats(ctx context.Context, campaignID, userID string) (Result, error) {
	camp, err := a.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Result{}, err
	}
	if camp.UserID != userID {
		return Result{}, fmt.Errorf("campaign %s: %w", campaignID, mailer.ErrUnauthorized)
	}
	if camp.Status != mailer.CampaignSent {
		return Result{Ready: false, Reason: "campaign not sent yet"}, nil
	}

	var st mailer.Stats
	if st.TotalSent, err = a.store.CountSentEmails(ctx, campaignID); err != nil {
		return Result{}, err
	}
	counts := map[mailer.EventType]*int{
		mailer.EventDelivered:  &st.Delivered,
		mailer.EventOpened:     &st.Opened,
		mailer.EventClicked:    &st.Clicked,
		mailer.EventBounced:    &st.Bounced,
		mailer.EventComplained: &st.Complained,
	}
	for _, t := range mailer.EventTypes {
		n, err := a.store.CountEventsByType(ctx, campaignID, t)
		if err != nil {
			return Result{}, err
		}
		*counts[t] = n
	}

	if st.TotalSent > 0 {
		total := float64(st.TotalSent)
		st.DeliveryRate = float64(st.Delivered) / total
		st.OpenRate = float64(st.Opened) / total
		st.ClickRate = float64(st.Clicked) / total
	}
	return Result{Ready: true, Stats: st}, nil
}
