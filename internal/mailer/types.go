package mailer

import (
	"encoding/json"
	"fmt"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign. A campaign moves
// draft -> sent through a dispatch run that delivered at least one email.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSent      CampaignStatus = "sent"
)

func ParseCampaignStatus(s string) (CampaignStatus, error) {
	switch CampaignStatus(s) {
	case CampaignDraft, CampaignScheduled, CampaignSent:
		return CampaignStatus(s), nil
	}
	return "", fmt.Errorf("unknown campaign status %q", s)
}

// EventType is a delivery-lifecycle notification kind reported by the
// provider. "sent" is not an event type; it is the initial SentEmail status.
type EventType string

const (
	EventDelivered  EventType = "delivered"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
)

// EventTypes lists every recognised type. Order matters for stats output.
var EventTypes = []EventType{EventDelivered, EventOpened, EventClicked, EventBounced, EventComplained}

func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventDelivered, EventOpened, EventClicked, EventBounced, EventComplained:
		return EventType(s), nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// SentStatus is the status of a SentEmail record: "sent" at creation,
// then overwritten with the latest event type the reconciler sees.
type SentStatus string

const SentStatusSent SentStatus = "sent"

func ParseSentStatus(s string) (SentStatus, error) {
	if SentStatus(s) == SentStatusSent {
		return SentStatusSent, nil
	}
	if _, err := ParseEventType(s); err != nil {
		return "", fmt.Errorf("unknown sent-email status %q", s)
	}
	return SentStatus(s), nil
}

type Campaign struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Name      string          `json:"name"`
	Subject   string          `json:"subject"`
	Sender    string          `json:"sender"`
	GroupName string          `json:"group"`
	Blocks    json.RawMessage `json:"blocks,omitempty"`
	Status    CampaignStatus  `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Template is a reusable campaign body: a named block layout with an
// optional default subject.
type Template struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Name      string          `json:"name"`
	Subject   string          `json:"subject,omitempty"`
	Blocks    json.RawMessage `json:"blocks"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Group struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Contact struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Tags      string    `json:"tags,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SentEmail records one successfully dispatched message. MessageID is the
// provider-assigned id and the join key for webhook reconciliation.
type SentEmail struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	ContactID    string     `json:"contact_id"`
	UserID       string     `json:"user_id"`
	ContactEmail string     `json:"contact_email"`
	MessageID    string     `json:"message_id"`
	Status       SentStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

// EmailEvent is one webhook delivery, append-only. DedupKey is the provider
// event id when available, else a hash over messageId, type and timestamp.
type EmailEvent struct {
	ID           string          `json:"id"`
	CampaignID   string          `json:"campaign_id"`
	ContactID    string          `json:"contact_id"`
	UserID       string          `json:"user_id"`
	Type         EventType       `json:"event_type"`
	ContactEmail string          `json:"contact_email"`
	Timestamp    time.Time       `json:"timestamp"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	DedupKey     string          `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
}

// JobStatus is the state of a persisted dispatch job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCanceled  JobStatus = "canceled"
)

func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobQueued, JobRunning, JobCompleted, JobCanceled:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// DispatchJob carries a dispatch run's inputs and its progress cursor so an
// interrupted run can resume from where it stopped.
type DispatchJob struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	UserID     string    `json:"user_id"`
	GroupID    string    `json:"group_id"`
	Subject    string    `json:"subject"`
	HTML       string    `json:"-"`
	FromHeader string    `json:"from"`
	Cursor     int       `json:"cursor"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Attempts   int       `json:"attempts"`
	Status     JobStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DispatchResult summarises one dispatch run. Sent+Failed always equals
// the number of recipients attempted in that run.
type DispatchResult struct {
	Total  int      `json:"total"`
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// Stats is the per-campaign analytics readout. Rates are fractions in
// [0,1], zero when TotalSent is zero.
type Stats struct {
	TotalSent    int     `json:"total_sent"`
	Delivered    int     `json:"delivered"`
	Opened       int     `json:"opened"`
	Clicked      int     `json:"clicked"`
	Bounced      int     `json:"bounced"`
	Complained   int     `json:"complained"`
	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
}
