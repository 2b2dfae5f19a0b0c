package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flufflyhq/fluffly/internal/mailer"
	"github.com/flufflyhq/fluffly/pkg/logx"
)

// Store is the data access the reconciler needs.
type Store interface {
	GetSentEmailByMessageID(ctx context.Context, messageID string) (mailer.SentEmail, error)
	InsertEmailEvent(ctx context.Context, e *mailer.EmailEvent) error
	UpdateSentEmailStatus(ctx context.Context, id string, st mailer.SentStatus) error
}

// payload mirrors the provider's webhook body: the interesting fields live
// under "data", and the whole data object is preserved as audit metadata.
type payload struct {
	Data json.RawMessage `json:"data"`
}

type eventData struct {
	Event     string     `json:"event"`
	MessageID string     `json:"messageId"`
	Recipient string     `json:"recipient"`
	Timestamp *time.Time `json:"timestamp"`
}

// Reconciler matches provider delivery events to SentEmail records.
type Reconciler struct {
	store Store
	now   func() time.Time
}

func New(st Store) *Reconciler {
	return &Reconciler{store: st, now: time.Now}
}

// Reconcile processes one webhook delivery. eventID is the provider's
// delivery id (svix-id header) and seeds the dedup key; it may be empty.
//
// Outcomes:
//   - nil: event row inserted, sent-email status overwritten
//   - mailer.ErrDuplicateEvent: same delivery seen before, nothing changed
//   - mailer.ErrMalformedPayload: mandatory field missing or unknown type
//   - mailer.ErrUnmatchedEvent: no SentEmail with that message id; dropped
//
// Any other error is a store fault and must surface as a server error.
func (r *Reconciler) Reconcile(ctx context.Context, eventID string, body []byte) (mailer.EmailEvent, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil || len(p.Data) == 0 {
		return mailer.EmailEvent{}, fmt.Errorf("missing data object: %w", mailer.ErrMalformedPayload)
	}

	var d eventData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return mailer.EmailEvent{}, fmt.Errorf("bad data object: %w", mailer.ErrMalformedPayload)
	}
	if d.Event == "" || d.MessageID == "" || d.Recipient == "" {
		return mailer.EmailEvent{}, fmt.Errorf("event, messageId and recipient are required: %w", mailer.ErrMalformedPayload)
	}

	eventType, err := mailer.ParseEventType(d.Event)
	if err != nil {
		return mailer.EmailEvent{}, fmt.Errorf("%v: %w", err, mailer.ErrMalformedPayload)
	}

	sent, err := r.store.GetSentEmailByMessageID(ctx, d.MessageID)
	if err != nil {
		if errors.Is(err, mailer.ErrNotFound) {
			logx.L().Warnw("webhook_unmatched", "message_id", d.MessageID, "event", d.Event)
			return mailer.EmailEvent{}, fmt.Errorf("message %s: %w", d.MessageID, mailer.ErrUnmatchedEvent)
		}
		return mailer.EmailEvent{}, err
	}

	ts := r.now().UTC()
	if d.Timestamp != nil {
		ts = d.Timestamp.UTC()
	}

	event := mailer.EmailEvent{
		CampaignID:   sent.CampaignID,
		ContactID:    sent.ContactID,
		UserID:       sent.UserID,
		Type:         eventType,
		ContactEmail: d.Recipient,
		Timestamp:    ts,
		Metadata:     p.Data,
		DedupKey:     dedupKey(eventID, d.MessageID, d.Event, d.Timestamp),
	}
	if err := r.store.InsertEmailEvent(ctx, &event); err != nil {
		if errors.Is(err, mailer.ErrDuplicateEvent) {
			logx.L().Infow("webhook_duplicate", "message_id", d.MessageID, "event", d.Event, "dedup_key", event.DedupKey)
			return event, mailer.ErrDuplicateEvent
		}
		return mailer.EmailEvent{}, err
	}

	// last write wins; out-of-order events for one message are accepted
	if err := r.store.UpdateSentEmailStatus(ctx, sent.ID, mailer.SentStatus(eventType)); err != nil {
		return event, err
	}
	return event, nil
}

// dedupKey prefers the provider's delivery id; without one it hashes the
// identifying fields so a redelivered body still collides.
func dedupKey(eventID, messageID, eventType string, ts *time.Time) string {
	if eventID != "" {
		return eventID
	}
	raw := messageID + "|" + eventType
	if ts != nil {
		raw += "|" + ts.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
