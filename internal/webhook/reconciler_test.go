package webhook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flufflyhq/fluffly/internal/mailer"
)

type fakeStore struct {
	sent     map[string]mailer.SentEmail
	seenKeys map[string]bool

	events   []mailer.EmailEvent
	statuses []mailer.SentStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sent:     map[string]mailer.SentEmail{},
		seenKeys: map[string]bool{},
	}
}

func (f *fakeStore) GetSentEmailByMessageID(_ context.Context, messageID string) (mailer.SentEmail, error) {
	s, ok := f.sent[messageID]
	if !ok {
		return mailer.SentEmail{}, mailer.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) InsertEmailEvent(_ context.Context, e *mailer.EmailEvent) error {
	if f.seenKeys[e.DedupKey] {
		return mailer.ErrDuplicateEvent
	}
	f.seenKeys[e.DedupKey] = true
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeStore) UpdateSentEmailStatus(_ context.Context, _ string, st mailer.SentStatus) error {
	f.statuses = append(f.statuses, st)
	return nil
}

func body(event, messageID string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"email.%s","data":{"event":%q,"messageId":%q,"recipient":"p1@example.com","timestamp":"2026-08-30T12:00:00Z"}}`,
		event, event, messageID))
}

func TestReconcileMatchedEvent(t *testing.T) {
	st := newFakeStore()
	st.sent["m1"] = mailer.SentEmail{ID: "s1", CampaignID: "c1", ContactID: "ct1", UserID: "u1", MessageID: "m1"}
	r := New(st)

	ev, err := r.Reconcile(context.Background(), "evt_1", body("delivered", "m1"))
	require.NoError(t, err)

	assert.Equal(t, "c1", ev.CampaignID)
	assert.Equal(t, "ct1", ev.ContactID)
	assert.Equal(t, mailer.EventDelivered, ev.Type)
	assert.Equal(t, "p1@example.com", ev.ContactEmail)
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.JSONEq(t,
		`{"event":"delivered","messageId":"m1","recipient":"p1@example.com","timestamp":"2026-08-30T12:00:00Z"}`,
		string(ev.Metadata))

	require.Len(t, st.events, 1)
	assert.Equal(t, []mailer.SentStatus{"delivered"}, st.statuses)
}

func TestReconcileStatusLastWriteWins(t *testing.T) {
	st := newFakeStore()
	st.sent["m1"] = mailer.SentEmail{ID: "s1", MessageID: "m1", Status: "delivered"}
	r := New(st)

	_, err := r.Reconcile(context.Background(), "evt_2", body("bounced", "m1"))
	require.NoError(t, err)
	assert.Equal(t, []mailer.SentStatus{"bounced"}, st.statuses)
}

func TestReconcileUnmatchedDropped(t *testing.T) {
	st := newFakeStore()
	r := New(st)

	_, err := r.Reconcile(context.Background(), "evt_3", body("opened", "ghost"))
	require.ErrorIs(t, err, mailer.ErrUnmatchedEvent)
	assert.Empty(t, st.events)
	assert.Empty(t, st.statuses)
}

func TestReconcileMalformed(t *testing.T) {
	st := newFakeStore()
	st.sent["m1"] = mailer.SentEmail{ID: "s1", MessageID: "m1"}
	r := New(st)

	cases := map[string][]byte{
		"not json":        []byte("{"),
		"no data":         []byte(`{"type":"email.delivered"}`),
		"missing event":   []byte(`{"data":{"messageId":"m1","recipient":"a@b.c"}}`),
		"missing message": []byte(`{"data":{"event":"delivered","recipient":"a@b.c"}}`),
		"unknown type":    []byte(`{"data":{"event":"teleported","messageId":"m1","recipient":"a@b.c"}}`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Reconcile(context.Background(), "", raw)
			assert.ErrorIs(t, err, mailer.ErrMalformedPayload)
		})
	}
	assert.Empty(t, st.events)
}

func TestReconcileDuplicateDelivery(t *testing.T) {
	st := newFakeStore()
	st.sent["m1"] = mailer.SentEmail{ID: "s1", MessageID: "m1"}
	r := New(st)

	_, err := r.Reconcile(context.Background(), "evt_9", body("opened", "m1"))
	require.NoError(t, err)

	_, err = r.Reconcile(context.Background(), "evt_9", body("opened", "m1"))
	require.ErrorIs(t, err, mailer.ErrDuplicateEvent)

	assert.Len(t, st.events, 1)
	// the duplicate never touched the status again
	assert.Equal(t, []mailer.SentStatus{"opened"}, st.statuses)
}

func TestReconcileDedupWithoutEventID(t *testing.T) {
	st := newFakeStore()
	st.sent["m1"] = mailer.SentEmail{ID: "s1", MessageID: "m1"}
	r := New(st)

	_, err := r.Reconcile(context.Background(), "", body("clicked", "m1"))
	require.NoError(t, err)

	// same body without a provider id hashes to the same key
	_, err = r.Reconcile(context.Background(), "", body("clicked", "m1"))
	require.ErrorIs(t, err, mailer.ErrDuplicateEvent)
	assert.Len(t, st.events, 1)
}

func TestReconcileMissingTimestampDefaultsToNow(t *testing.T) {
	st := newFakeStore()
	st.sent["m1"] = mailer.SentEmail{ID: "s1", MessageID: "m1"}
	r := New(st)
	fixed := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	raw := []byte(`{"data":{"event":"delivered","messageId":"m1","recipient":"p1@example.com"}}`)
	ev, err := r.Reconcile(context.Background(), "evt_10", raw)
	require.NoError(t, err)
	assert.Equal(t, fixed, ev.Timestamp)
}
