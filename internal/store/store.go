package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flufflyhq/fluffly/internal/mailer"
)

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ====================== Campaigns ======================

func (s *Store) CreateCampaign(ctx context.Context, c *mailer.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = mailer.CampaignDraft
	}
	return s.DB.QueryRowContext(ctx, `
		INSERT INTO campaigns (id, user_id, name, subject, sender, group_name, blocks, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at
	`, c.ID, c.UserID, c.Name, c.Subject, c.Sender, c.GroupName, []byte(c.Blocks), string(c.Status)).
		Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (mailer.Campaign, error) {
	var (
		c      mailer.Campaign
		status string
		blocks []byte
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, subject, sender, group_name, blocks, status, created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.Name, &c.Subject, &c.Sender, &c.GroupName, &blocks, &status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mailer.Campaign{}, fmt.Errorf("campaign %s: %w", id, mailer.ErrNotFound)
		}
		return mailer.Campaign{}, err
	}
	c.Blocks = blocks
	c.Status, err = mailer.ParseCampaignStatus(status)
	if err != nil {
		return mailer.Campaign{}, err
	}
	return c, nil
}

func (s *Store) ListCampaigns(ctx context.Context, userID string) ([]mailer.Campaign, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, name, subject, sender, group_name, blocks, status, created_at, updated_at
		FROM campaigns
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mailer.Campaign
	for rows.Next() {
		var (
			c      mailer.Campaign
			status string
			blocks []byte
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Subject, &c.Sender, &c.GroupName, &blocks, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Blocks = blocks
		if c.Status, err = mailer.ParseCampaignStatus(status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCampaign(ctx context.Context, c *mailer.Campaign) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET name=$1, subject=$2, sender=$3, group_name=$4, blocks=$5, updated_at=NOW()
		 WHERE id=$6
	`, c.Name, c.Subject, c.Sender, c.GroupName, []byte(c.Blocks), c.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, c.ID)
}

func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, id)
}

func (s *Store) SetCampaignStatus(ctx context.Context, id string, st mailer.CampaignStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2
	`, string(st), id)
	if err != nil {
		return err
	}
	return mustAffect(res, id)
}

func mustAffect(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("id %s: %w", id, mailer.ErrNotFound)
	}
	return nil
}

// ====================== Groups & contacts ======================

func (s *Store) GetGroupByName(ctx context.Context, userID, name string) (mailer.Group, error) {
	var g mailer.Group
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, created_at FROM groups
		WHERE user_id=$1 AND name=$2
	`, userID, name).Scan(&g.ID, &g.UserID, &g.Name, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mailer.Group{}, fmt.Errorf("group %q: %w", name, mailer.ErrNotFound)
	}
	return g, err
}

func (s *Store) GetOrCreateGroup(ctx context.Context, userID, name string) (mailer.Group, error) {
	g, err := s.GetGroupByName(ctx, userID, name)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, mailer.ErrNotFound) {
		return mailer.Group{}, err
	}
	g = mailer.Group{ID: uuid.NewString(), UserID: userID, Name: name}
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO groups (id, user_id, name) VALUES ($1,$2,$3) RETURNING created_at
	`, g.ID, g.UserID, g.Name).Scan(&g.CreatedAt)
	if isUniqueViolation(err) {
		// lost a race with a concurrent create; the row exists now
		return s.GetGroupByName(ctx, userID, name)
	}
	return g, err
}

func (s *Store) ListGroups(ctx context.Context, userID string) ([]mailer.Group, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, name, created_at FROM groups
		WHERE user_id=$1 ORDER BY name ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mailer.Group
	for rows.Next() {
		var g mailer.Group
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) CreateContact(ctx context.Context, c *mailer.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var groupID any
	if c.GroupID != "" {
		groupID = c.GroupID
	}
	return s.DB.QueryRowContext(ctx, `
		INSERT INTO contacts (id, user_id, name, email, tags, group_id)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at
	`, c.ID, c.UserID, c.Name, c.Email, c.Tags, groupID).Scan(&c.CreatedAt)
}

func (s *Store) ListContacts(ctx context.Context, userID string) ([]mailer.Contact, error) {
	return s.scanContacts(s.DB.QueryContext(ctx, `
		SELECT id, user_id, name, email, tags, COALESCE(group_id::text,''), created_at
		FROM contacts
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID))
}

// ListGroupContacts returns the group's members in the store's natural
// insertion order; dispatch relies on this order being stable for cursors.
func (s *Store) ListGroupContacts(ctx context.Context, groupID string) ([]mailer.Contact, error) {
	return s.scanContacts(s.DB.QueryContext(ctx, `
		SELECT id, user_id, name, email, tags, COALESCE(group_id::text,''), created_at
		FROM contacts
		WHERE group_id=$1
		ORDER BY created_at ASC, id ASC
	`, groupID))
}

func (s *Store) scanContacts(rows *sql.Rows, err error) ([]mailer.Contact, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mailer.Contact
	for rows.Next() {
		var c mailer.Contact
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.Tags, &c.GroupID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateContact(ctx context.Context, c *mailer.Contact) error {
	var groupID any
	if c.GroupID != "" {
		groupID = c.GroupID
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE contacts SET name=$1, email=$2, tags=$3, group_id=$4 WHERE id=$5
	`, c.Name, c.Email, c.Tags, groupID, c.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, c.ID)
}

func (s *Store) DeleteContact(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM contacts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, id)
}

func (s *Store) GetContact(ctx context.Context, id string) (mailer.Contact, error) {
	var c mailer.Contact
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, email, tags, COALESCE(group_id::text,''), created_at
		FROM contacts WHERE id=$1
	`, id).Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.Tags, &c.GroupID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mailer.Contact{}, fmt.Errorf("contact %s: %w", id, mailer.ErrNotFound)
	}
	return c, err
}

// ====================== Templates ======================

func (s *Store) CreateTemplate(ctx context.Context, t *mailer.Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return s.DB.QueryRowContext(ctx, `
		INSERT INTO templates (id, user_id, name, subject, blocks)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.Name, t.Subject, []byte(t.Blocks)).
		Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (mailer.Template, error) {
	var (
		t      mailer.Template
		blocks []byte
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, subject, blocks, created_at, updated_at
		FROM templates
		WHERE id=$1
	`, id).Scan(&t.ID, &t.UserID, &t.Name, &t.Subject, &blocks, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mailer.Template{}, fmt.Errorf("template %s: %w", id, mailer.ErrNotFound)
	}
	t.Blocks = blocks
	return t, err
}

func (s *Store) ListTemplates(ctx context.Context, userID string) ([]mailer.Template, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, name, subject, blocks, created_at, updated_at
		FROM templates
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mailer.Template
	for rows.Next() {
		var (
			t      mailer.Template
			blocks []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Subject, &blocks, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Blocks = blocks
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTemplate(ctx context.Context, t *mailer.Template) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE templates
		   SET name=$1, subject=$2, blocks=$3, updated_at=NOW()
		 WHERE id=$4
	`, t.Name, t.Subject, []byte(t.Blocks), t.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, t.ID)
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM templates WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, id)
}

// ====================== Sent emails ======================

func (s *Store) InsertSentEmail(ctx context.Context, e *mailer.SentEmail) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = mailer.SentStatusSent
	}
	return s.DB.QueryRowContext(ctx, `
		INSERT INTO sent_emails (id, campaign_id, contact_id, user_id, contact_email, message_id, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING created_at
	`, e.ID, e.CampaignID, e.ContactID, e.UserID, e.ContactEmail, e.MessageID, string(e.Status)).
		Scan(&e.CreatedAt)
}

func (s *Store) GetSentEmailByMessageID(ctx context.Context, messageID string) (mailer.SentEmail, error) {
	var (
		e      mailer.SentEmail
		status string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, campaign_id, contact_id, user_id, contact_email, message_id, status, created_at
		FROM sent_emails
		WHERE message_id = $1
	`, messageID).Scan(&e.ID, &e.CampaignID, &e.ContactID, &e.UserID, &e.ContactEmail, &e.MessageID, &status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mailer.SentEmail{}, fmt.Errorf("message %s: %w", messageID, mailer.ErrNotFound)
		}
		return mailer.SentEmail{}, err
	}
	e.Status, err = mailer.ParseSentStatus(status)
	return e, err
}

func (s *Store) UpdateSentEmailStatus(ctx context.Context, id string, st mailer.SentStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sent_emails SET status=$1 WHERE id=$2
	`, string(st), id)
	if err != nil {
		return err
	}
	return mustAffect(res, id)
}

func (s *Store) CountSentEmails(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sent_emails WHERE campaign_id=$1
	`, campaignID).Scan(&n)
	return n, err
}

// ====================== Email events ======================

// InsertEmailEvent appends one event row. A dedup-key collision reports
// mailer.ErrDuplicateEvent instead of inserting a second row.
func (s *Store) InsertEmailEvent(ctx context.Context, e *mailer.EmailEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO email_events (id, campaign_id, contact_id, user_id, event_type, contact_email, event_ts, metadata, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING created_at
	`, e.ID, e.CampaignID, e.ContactID, e.UserID, string(e.Type), e.ContactEmail, e.Timestamp, []byte(e.Metadata), e.DedupKey).
		Scan(&e.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("dedup key %s: %w", e.DedupKey, mailer.ErrDuplicateEvent)
	}
	return err
}

func (s *Store) CountEventsByType(ctx context.Context, campaignID string, t mailer.EventType) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_events WHERE campaign_id=$1 AND event_type=$2
	`, campaignID, string(t)).Scan(&n)
	return n, err
}

// ====================== Dispatch jobs ======================

func (s *Store) CreateDispatchJob(ctx context.Context, j *mailer.DispatchJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = mailer.JobQueued
	}
	return s.DB.QueryRowContext(ctx, `
		INSERT INTO dispatch_jobs (id, campaign_id, user_id, group_id, subject, html, from_header, cursor, total, sent, failed, attempts, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,0,0,0,$9)
		RETURNING created_at, updated_at
	`, j.ID, j.CampaignID, j.UserID, j.GroupID, j.Subject, j.HTML, j.FromHeader, j.Total, string(j.Status)).
		Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (s *Store) GetDispatchJob(ctx context.Context, id string) (mailer.DispatchJob, error) {
	var (
		j      mailer.DispatchJob
		status string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, campaign_id, user_id, group_id, subject, html, from_header, cursor, total, sent, failed, attempts, status, created_at, updated_at
		FROM dispatch_jobs
		WHERE id=$1
	`, id).Scan(&j.ID, &j.CampaignID, &j.UserID, &j.GroupID, &j.Subject, &j.HTML, &j.FromHeader,
		&j.Cursor, &j.Total, &j.Sent, &j.Failed, &j.Attempts, &status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mailer.DispatchJob{}, fmt.Errorf("dispatch job %s: %w", id, mailer.ErrNotFound)
		}
		return mailer.DispatchJob{}, err
	}
	j.Status, err = mailer.ParseJobStatus(status)
	if err != nil {
		return mailer.DispatchJob{}, err
	}
	return j, nil
}

// AdvanceDispatchJob moves the recipient cursor forward and adds this
// contact's outcome to the cumulative counters.
func (s *Store) AdvanceDispatchJob(ctx context.Context, id string, cursor, sentDelta, failedDelta int) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE dispatch_jobs
		   SET cursor=$1, sent=sent+$2, failed=failed+$3, updated_at=NOW()
		 WHERE id=$4
	`, cursor, sentDelta, failedDelta, id)
	if err != nil {
		return err
	}
	return mustAffect(res, id)
}

func (s *Store) SetDispatchJobStatus(ctx context.Context, id string, st mailer.JobStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE dispatch_jobs SET status=$1, updated_at=NOW() WHERE id=$2
	`, string(st), id)
	if err != nil {
		return err
	}
	return mustAffect(res, id)
}

// ListUnfinishedJobs returns jobs that never reached a terminal status,
// oldest first. The worker re-enqueues these on startup.
func (s *Store) ListUnfinishedJobs(ctx context.Context) ([]mailer.DispatchJob, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, campaign_id, user_id, group_id, subject, html, from_header, cursor, total, sent, failed, attempts, status, created_at, updated_at
		FROM dispatch_jobs
		WHERE status IN ('queued','running')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mailer.DispatchJob
	for rows.Next() {
		var (
			j      mailer.DispatchJob
			status string
		)
		if err := rows.Scan(&j.ID, &j.CampaignID, &j.UserID, &j.GroupID, &j.Subject, &j.HTML, &j.FromHeader,
			&j.Cursor, &j.Total, &j.Sent, &j.Failed, &j.Attempts, &status, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if j.Status, err = mailer.ParseJobStatus(status); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkDispatchJobRetry bumps the delivery attempt counter. The worker calls
// it on every requeue so the retry budget survives process restarts.
func (s *Store) MarkDispatchJobRetry(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE dispatch_jobs SET attempts=attempts+1, updated_at=NOW() WHERE id=$1
	`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, id)
}
