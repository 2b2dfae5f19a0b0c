package analytics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flufflyhq/fluffly/internal/mailer"
)

type fakeStore struct {
	campaign    mailer.Campaign
	totalSent   int
	eventCounts map[mailer.EventType]int
}

func (f *fakeStore) GetCampaign(_ context.Context, id string) (mailer.Campaign, error) {
	if f.campaign.ID != id {
		return mailer.Campaign{}, mailer.ErrNotFound
	}
	return f.campaign, nil
}

func (f *fakeStore) CountSentEmails(_ context.Context, _ string) (int, error) {
	return f.totalSent, nil
}

func (f *fakeStore) CountEventsByType(_ context.Context, _ string, t mailer.EventType) (int, error) {
	return f.eventCounts[t], nil
}

func TestCampaignStats(t *testing.T) {
	st := &fakeStore{
		campaign:  mailer.Campaign{ID: "c1", UserID: "u1", Status: mailer.CampaignSent},
		totalSent: 10,
		eventCounts: map[mailer.EventType]int{
			mailer.EventDelivered: 4,
			mailer.EventOpened:    2,
			mailer.EventClicked:   1,
			mailer.EventBounced:   1,
		},
	}
	a := New(st)

	res, err := a.CampaignStats(context.Background(), "c1", "u1")
	require.NoError(t, err)

	assert.True(t, res.Ready)
	assert.Equal(t, 10, res.Stats.TotalSent)
	assert.Equal(t, 4, res.Stats.Delivered)
	assert.Equal(t, 2, res.Stats.Opened)
	assert.Equal(t, 1, res.Stats.Clicked)
	assert.Equal(t, 1, res.Stats.Bounced)
	assert.Zero(t, res.Stats.Complained)
	assert.InDelta(t, 0.4, res.Stats.DeliveryRate, 1e-9)
	assert.InDelta(t, 0.2, res.Stats.OpenRate, 1e-9)
	assert.InDelta(t, 0.1, res.Stats.ClickRate, 1e-9)
}

func TestCampaignStatsNotSentYet(t *testing.T) {
	st := &fakeStore{
		campaign: mailer.Campaign{ID: "c1", UserID: "u1", Status: mailer.CampaignDraft},
		// stray rows must not leak into a not-sent readout
		totalSent:   7,
		eventCounts: map[mailer.EventType]int{mailer.EventDelivered: 3},
	}
	a := New(st)

	res, err := a.CampaignStats(context.Background(), "c1", "u1")
	require.NoError(t, err)

	assert.False(t, res.Ready)
	assert.Equal(t, "campaign not sent yet", res.Reason)
	assert.Zero(t, res.Stats.TotalSent)
	assert.Zero(t, res.Stats.Delivered)
}

func TestCampaignStatsZeroSent(t *testing.T) {
	st := &fakeStore{
		campaign: mailer.Campaign{ID: "c1", UserID: "u1", Status: mailer.CampaignSent},
	}
	a := New(st)

	res, err := a.CampaignStats(context.Background(), "c1", "u1")
	require.NoError(t, err)

	assert.True(t, res.Ready)
	assert.Zero(t, res.Stats.TotalSent)
	assert.Zero(t, res.Stats.DeliveryRate)
	assert.Zero(t, res.Stats.OpenRate)
	assert.Zero(t, res.Stats.ClickRate)
}

func TestCampaignStatsForeignCampaign(t *testing.T) {
	st := &fakeStore{
		campaign: mailer.Campaign{ID: "c1", UserID: "u1", Status: mailer.CampaignSent},
	}
	a := New(st)

	_, err := a.CampaignStats(context.Background(), "c1", "intruder")
	assert.ErrorIs(t, err, mailer.ErrUnauthorized)
}

func TestCampaignStatsNotFound(t *testing.T) {
	a := New(&fakeStore{})
	_, err := a.CampaignStats(context.Background(), "ghost", "u1")
	assert.ErrorIs(t, err, mailer.ErrNotFound)
}
