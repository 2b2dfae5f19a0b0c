package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flufflyhq/fluffly/internal/mailer"
	"github.com/flufflyhq/fluffly/internal/provider"
)

type fakeStore struct {
	campaign mailer.Campaign
	group    mailer.Group
	contacts []mailer.Contact

	groupByNameCalls int
	inserted         []mailer.SentEmail
	insertErr        error
	statuses         []mailer.CampaignStatus
	advances         []advance
}

type advance struct {
	jobID          string
	cursor         int
	sent, failed   int
}

func (f *fakeStore) GetCampaign(_ context.Context, id string) (mailer.Campaign, error) {
	if f.campaign.ID != id {
		return mailer.Campaign{}, mailer.ErrNotFound
	}
	return f.campaign, nil
}

func (f *fakeStore) GetGroupByName(_ context.Context, userID, name string) (mailer.Group, error) {
	f.groupByNameCalls++
	if f.group.Name != name || f.group.UserID != userID {
		return mailer.Group{}, mailer.ErrNotFound
	}
	return f.group, nil
}

func (f *fakeStore) ListGroupContacts(_ context.Context, groupID string) ([]mailer.Contact, error) {
	if groupID != f.group.ID {
		return nil, nil
	}
	return f.contacts, nil
}

func (f *fakeStore) InsertSentEmail(_ context.Context, e *mailer.SentEmail) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, *e)
	return nil
}

func (f *fakeStore) SetCampaignStatus(_ context.Context, _ string, st mailer.CampaignStatus) error {
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeStore) AdvanceDispatchJob(_ context.Context, id string, cursor, sentDelta, failedDelta int) error {
	f.advances = append(f.advances, advance{jobID: id, cursor: cursor, sent: sentDelta, failed: failedDelta})
	return nil
}

type fakeSender struct {
	calls   []provider.SendRequest
	failFor map[string]error
}

func (f *fakeSender) Send(_ context.Context, req provider.SendRequest) (string, error) {
	f.calls = append(f.calls, req)
	if err, ok := f.failFor[req.To]; ok {
		return "", err
	}
	return fmt.Sprintf("msg-%d", len(f.calls)), nil
}

type countingLimiter struct{ waits int }

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.waits++
	return ctx.Err()
}

func newFixture(n int) (*fakeStore, *fakeSender, Request) {
	st := &fakeStore{
		campaign: mailer.Campaign{ID: "c1", UserID: "u1", Status: mailer.CampaignDraft},
		group:    mailer.Group{ID: "g1", UserID: "u1", Name: "buyers"},
	}
	for i := 0; i < n; i++ {
		st.contacts = append(st.contacts, mailer.Contact{
			ID:    fmt.Sprintf("ct%d", i+1),
			Email: fmt.Sprintf("p%d@example.com", i+1),
		})
	}
	req := Request{
		CampaignID: "c1",
		UserID:     "u1",
		GroupName:  "buyers",
		Subject:    "hello",
		HTML:       "<p>hi</p>",
		FromHeader: "News <news@fluffly.dev>",
	}
	return st, &fakeSender{}, req
}

func TestDispatchAllDelivered(t *testing.T) {
	st, sender, req := newFixture(3)
	lim := &countingLimiter{}
	d := New(st, sender, lim)

	res, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.Empty(t, res.Errors)
	assert.Len(t, st.inserted, 3)
	assert.Equal(t, "p1@example.com", st.inserted[0].ContactEmail)
	assert.Equal(t, mailer.SentStatusSent, st.inserted[0].Status)
	assert.Equal(t, []mailer.CampaignStatus{mailer.CampaignSent}, st.statuses)
	// waits happen between sends only, never before the first
	assert.Equal(t, 2, lim.waits)
}

func TestDispatchRecoversProviderFailures(t *testing.T) {
	st, sender, req := newFixture(3)
	sender.failFor = map[string]error{"p2@example.com": errors.New("rate limited")}
	d := New(st, sender, &countingLimiter{})

	res, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "p2@example.com")
	assert.Len(t, st.inserted, 2)
	// delivery continued past the failure
	assert.Len(t, sender.calls, 3)
	assert.Equal(t, []mailer.CampaignStatus{mailer.CampaignSent}, st.statuses)
}

func TestDispatchAllFailedLeavesCampaignUntouched(t *testing.T) {
	st, sender, req := newFixture(2)
	sender.failFor = map[string]error{
		"p1@example.com": errors.New("bounce"),
		"p2@example.com": errors.New("bounce"),
	}
	d := New(st, sender, &countingLimiter{})

	res, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Sent)
	assert.Empty(t, st.statuses)
	assert.Empty(t, st.inserted)
}

func TestDispatchEmptyGroup(t *testing.T) {
	st, sender, req := newFixture(0)
	d := New(st, sender, &countingLimiter{})

	_, err := d.Dispatch(context.Background(), req)
	require.ErrorIs(t, err, mailer.ErrEmptyRecipientSet)
	assert.Empty(t, sender.calls)
}

func TestDispatchForeignCampaign(t *testing.T) {
	st, sender, req := newFixture(1)
	req.UserID = "intruder"
	d := New(st, sender, &countingLimiter{})

	_, err := d.Dispatch(context.Background(), req)
	require.ErrorIs(t, err, mailer.ErrUnauthorized)
	assert.Empty(t, sender.calls)
}

func TestDispatchUnknownGroup(t *testing.T) {
	st, sender, req := newFixture(1)
	req.GroupName = "nope"
	d := New(st, sender, &countingLimiter{})

	_, err := d.Dispatch(context.Background(), req)
	require.ErrorIs(t, err, mailer.ErrNotFound)
}

func TestDispatchGroupIDSkipsLookup(t *testing.T) {
	st, sender, req := newFixture(2)
	req.GroupName = ""
	req.GroupID = "g1"
	d := New(st, sender, &countingLimiter{})

	res, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Zero(t, st.groupByNameCalls)
}

func TestDispatchResumesFromCursor(t *testing.T) {
	st, sender, req := newFixture(5)
	req.JobID = "j1"
	req.Cursor = 2
	d := New(st, sender, &countingLimiter{})

	res, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 3, res.Sent)
	assert.Len(t, sender.calls, 3)
	assert.Equal(t, "p3@example.com", sender.calls[0].To)

	require.Len(t, st.advances, 3)
	assert.Equal(t, advance{jobID: "j1", cursor: 3, sent: 1}, st.advances[0])
	assert.Equal(t, advance{jobID: "j1", cursor: 5, sent: 1}, st.advances[2])
}

func TestDispatchKeepsJobTotalWhenGroupGrew(t *testing.T) {
	st, sender, req := newFixture(5)
	// the job snapshot captured 3 recipients; two joined the group since
	req.JobID = "j1"
	req.Cursor = 1
	req.Total = 3
	d := New(st, sender, &countingLimiter{})

	res, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Sent)
	assert.Len(t, sender.calls, 2)
	assert.Equal(t, "p3@example.com", sender.calls[1].To)
}

func TestDispatchCursorPastEnd(t *testing.T) {
	st, sender, req := newFixture(2)
	req.JobID = "j1"
	req.Cursor = 7
	d := New(st, sender, &countingLimiter{})

	res, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Zero(t, res.Sent)
	assert.Empty(t, sender.calls)
}

func TestDispatchCancellationReturnsPartialResult(t *testing.T) {
	st, sender, req := newFixture(4)
	ctx, cancel := context.WithCancel(context.Background())
	// cancel once the second recipient has been delivered
	cancelAfter := &cancelAfterLimiter{cancel: cancel, after: 2}
	d := New(st, sender, cancelAfter)

	res, err := d.Dispatch(ctx, req)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 2, res.Sent)
	assert.Len(t, st.inserted, 2)
	assert.Empty(t, st.statuses)
}

type cancelAfterLimiter struct {
	cancel context.CancelFunc
	after  int
	calls  int
}

func (l *cancelAfterLimiter) Wait(ctx context.Context) error {
	l.calls++
	if l.calls >= l.after {
		l.cancel()
	}
	return ctx.Err()
}

func TestDispatchStoreFaultAborts(t *testing.T) {
	st, sender, req := newFixture(3)
	st.insertErr = errors.New("db down")
	d := New(st, sender, &countingLimiter{})

	res, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, mailer.ErrNotFound)
	assert.Zero(t, res.Sent)
	assert.Len(t, sender.calls, 1)
}
