package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flufflyhq/fluffly/internal/analytics"
	"github.com/flufflyhq/fluffly/internal/dispatch"
	"github.com/flufflyhq/fluffly/internal/mailer"
	"github.com/flufflyhq/fluffly/internal/webhook"
	"github.com/flufflyhq/fluffly/pkg/logx"
	"github.com/flufflyhq/fluffly/pkg/metrics"
)

type storeAPI interface {
	CreateCampaign(ctx context.Context, c *mailer.Campaign) error
	GetCampaign(ctx context.Context, id string) (mailer.Campaign, error)
	ListCampaigns(ctx context.Context, userID string) ([]mailer.Campaign, error)
	UpdateCampaign(ctx context.Context, c *mailer.Campaign) error
	DeleteCampaign(ctx context.Context, id string) error

	GetGroupByName(ctx context.Context, userID, name string) (mailer.Group, error)
	GetOrCreateGroup(ctx context.Context, userID, name string) (mailer.Group, error)
	ListGroups(ctx context.Context, userID string) ([]mailer.Group, error)
	ListGroupContacts(ctx context.Context, groupID string) ([]mailer.Contact, error)

	CreateContact(ctx context.Context, c *mailer.Contact) error
	GetContact(ctx context.Context, id string) (mailer.Contact, error)
	ListContacts(ctx context.Context, userID string) ([]mailer.Contact, error)
	UpdateContact(ctx context.Context, c *mailer.Contact) error
	DeleteContact(ctx context.Context, id string) error

	CreateTemplate(ctx context.Context, t *mailer.Template) error
	GetTemplate(ctx context.Context, id string) (mailer.Template, error)
	ListTemplates(ctx context.Context, userID string) ([]mailer.Template, error)
	UpdateTemplate(ctx context.Context, t *mailer.Template) error
	DeleteTemplate(ctx context.Context, id string) error

	InsertSentEmail(ctx context.Context, e *mailer.SentEmail) error
	CreateDispatchJob(ctx context.Context, j *mailer.DispatchJob) error
}

type dispatcherAPI interface {
	Dispatch(ctx context.Context, req dispatch.Request) (mailer.DispatchResult, error)
}

type reconcilerAPI interface {
	Reconcile(ctx context.Context, eventID string, body []byte) (mailer.EmailEvent, error)
}

type analyticsAPI interface {
	CampaignStats(ctx context.Context, campaignID, userID string) (analytics.Result, error)
}

type publisherAPI interface {
	PublishJSON(ctx context.Context, body []byte) error
}

type Handlers struct {
	Store      storeAPI
	Dispatcher dispatcherAPI
	Reconciler reconcilerAPI
	Analytics  analyticsAPI
	Pub        publisherAPI
	Verifier   webhook.Verifier
}

func userID(c *gin.Context) string { return c.GetString("user_id") }

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mailer.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized"})
	case errors.Is(err, mailer.ErrNotFound), errors.Is(err, mailer.ErrUnmatchedEvent):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, mailer.ErrEmptyRecipientSet), errors.Is(err, mailer.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logx.L().Errorw("internal_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// ====================== Campaigns ======================

type campaignReq struct {
	Name    string          `json:"name"    binding:"required"`
	Subject string          `json:"subject" binding:"required"`
	Sender  string          `json:"sender"  binding:"required"`
	Group   string          `json:"group"   binding:"required"`
	Blocks  json.RawMessage `json:"blocks"  binding:"required"`
}

func (h *Handlers) CreateCampaign(c *gin.Context) {
	var req campaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	camp := mailer.Campaign{
		UserID:    userID(c),
		Name:      req.Name,
		Subject:   req.Subject,
		Sender:    req.Sender,
		GroupName: req.Group,
		Blocks:    req.Blocks,
		Status:    mailer.CampaignDraft,
	}
	if err := h.Store.CreateCampaign(ctx, &camp); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, camp)
}

func (h *Handlers) ListCampaigns(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	campaigns, err := h.Store.ListCampaigns(ctx, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if campaigns == nil {
		campaigns = []mailer.Campaign{}
	}
	c.JSON(http.StatusOK, campaigns)
}

// ownCampaign loads a campaign and enforces ownership.
func (h *Handlers) ownCampaign(ctx context.Context, c *gin.Context) (mailer.Campaign, bool) {
	camp, err := h.Store.GetCampaign(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return mailer.Campaign{}, false
	}
	if camp.UserID != userID(c) {
		writeError(c, mailer.ErrUnauthorized)
		return mailer.Campaign{}, false
	}
	return camp, true
}

func (h *Handlers) GetCampaign(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	camp, ok := h.ownCampaign(ctx, c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *Handlers) UpdateCampaign(c *gin.Context) {
	var req campaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	camp, ok := h.ownCampaign(ctx, c)
	if !ok {
		return
	}
	if camp.Status == mailer.CampaignSent {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campaign already sent"})
		return
	}

	camp.Name = req.Name
	camp.Subject = req.Subject
	camp.Sender = req.Sender
	camp.GroupName = req.Group
	camp.Blocks = req.Blocks
	if err := h.Store.UpdateCampaign(ctx, &camp); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *Handlers) DeleteCampaign(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if _, ok := h.ownCampaign(ctx, c); !ok {
		return
	}
	if err := h.Store.DeleteCampaign(ctx, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ====================== Templates ======================

type templateReq struct {
	Name    string          `json:"name"   binding:"required"`
	Subject string          `json:"subject"`
	Blocks  json.RawMessage `json:"blocks" binding:"required"`
}

// ownTemplate loads a template for the requesting user. Another user's
// template reads as absent rather than forbidden.
func (h *Handlers) ownTemplate(ctx context.Context, c *gin.Context) (mailer.Template, bool) {
	tpl, err := h.Store.GetTemplate(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return mailer.Template{}, false
	}
	if tpl.UserID != userID(c) {
		writeError(c, mailer.ErrNotFound)
		return mailer.Template{}, false
	}
	return tpl, true
}

func (h *Handlers) CreateTemplate(c *gin.Context) {
	var req templateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	tpl := mailer.Template{
		UserID:  userID(c),
		Name:    req.Name,
		Subject: req.Subject,
		Blocks:  req.Blocks,
	}
	if err := h.Store.CreateTemplate(ctx, &tpl); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

func (h *Handlers) ListTemplates(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	templates, err := h.Store.ListTemplates(ctx, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if templates == nil {
		templates = []mailer.Template{}
	}
	c.JSON(http.StatusOK, templates)
}

func (h *Handlers) UpdateTemplate(c *gin.Context) {
	var req templateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	tpl, ok := h.ownTemplate(ctx, c)
	if !ok {
		return
	}
	tpl.Name = req.Name
	tpl.Subject = req.Subject
	tpl.Blocks = req.Blocks
	if err := h.Store.UpdateTemplate(ctx, &tpl); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (h *Handlers) DeleteTemplate(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	tpl, ok := h.ownTemplate(ctx, c)
	if !ok {
		return
	}
	if err := h.Store.DeleteTemplate(ctx, tpl.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ====================== Dispatch ======================

type sendReq struct {
	GroupName string `json:"groupName" binding:"required"`
	Subject   string `json:"subject"   binding:"required"`
	HTML      string `json:"html"      binding:"required"`
	From      string `json:"from"      binding:"required"`
	Async     bool   `json:"async"`
}

// SendCampaign runs the dispatch pipeline. The synchronous path blocks for
// the whole throttled loop and returns the aggregate result; async creates
// a persisted dispatch job and hands it to the worker queue.
func (h *Handlers) SendCampaign(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	campaignID := c.Param("id")

	if req.Async {
		h.enqueueDispatch(c, campaignID, req)
		return
	}

	// no timeout: the loop is deliberately long-running (N sends, 500ms apart)
	result, err := h.Dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		CampaignID: campaignID,
		UserID:     userID(c),
		GroupName:  req.GroupName,
		Subject:    req.Subject,
		HTML:       req.HTML,
		FromHeader: req.From,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) enqueueDispatch(c *gin.Context, campaignID string, req sendReq) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	camp, ok := h.ownCampaign(ctx, c)
	if !ok {
		return
	}
	group, err := h.Store.GetGroupByName(ctx, camp.UserID, req.GroupName)
	if err != nil {
		writeError(c, err)
		return
	}
	contacts, err := h.Store.ListGroupContacts(ctx, group.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(contacts) == 0 {
		writeError(c, mailer.ErrEmptyRecipientSet)
		return
	}

	job := mailer.DispatchJob{
		CampaignID: camp.ID,
		UserID:     camp.UserID,
		GroupID:    group.ID,
		Subject:    req.Subject,
		HTML:       req.HTML,
		FromHeader: req.From,
		Total:      len(contacts),
		Status:     mailer.JobQueued,
	}
	if err := h.Store.CreateDispatchJob(ctx, &job); err != nil {
		writeError(c, err)
		return
	}

	payload, _ := json.Marshal(gin.H{"job_id": job.ID})
	if err := h.Pub.PublishJSON(ctx, payload); err != nil {
		logx.L().Errorw("publish_dispatch_job_error", "job_id", job.ID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// ====================== Sent-email tracking ======================

type trackEmailReq struct {
	CampaignID   string `json:"campaignId"   binding:"required"`
	ContactID    string `json:"contactId"    binding:"required"`
	MessageID    string `json:"messageId"    binding:"required"`
	ContactEmail string `json:"contactEmail" binding:"required"`
}

// TrackEmail is the manual insertion path for sends that happened outside
// the batch dispatcher.
func (h *Handlers) TrackEmail(c *gin.Context) {
	var req trackEmailReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	camp, err := h.Store.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		writeError(c, err)
		return
	}
	if camp.UserID != userID(c) {
		writeError(c, mailer.ErrUnauthorized)
		return
	}

	sent := mailer.SentEmail{
		CampaignID:   req.CampaignID,
		ContactID:    req.ContactID,
		UserID:       camp.UserID,
		ContactEmail: req.ContactEmail,
		MessageID:    req.MessageID,
		Status:       mailer.SentStatusSent,
	}
	if err := h.Store.InsertSentEmail(ctx, &sent); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sent)
}

// ====================== Analytics ======================

func (h *Handlers) GetAnalytics(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	result, err := h.Analytics.CampaignStats(ctx, c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ====================== Webhook ======================

// ResendWebhook receives provider delivery events. Signature verification
// runs on the raw body before any parsing; rejections are terminal, the
// provider's own retry policy is the only mitigation.
func (h *Handlers) ResendWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("read_error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := h.Verifier.Verify(c.Request.Header, body); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("bad_signature").Inc()
		logx.L().Warnw("webhook_signature_rejected", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	event, err := h.Reconciler.Reconcile(ctx, c.GetHeader("svix-id"), body)
	switch {
	case err == nil:
		metrics.WebhookEventsTotal.WithLabelValues("accepted").Inc()
		c.JSON(http.StatusOK, gin.H{"processed": true, "event_id": event.ID})
	case errors.Is(err, mailer.ErrDuplicateEvent):
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"processed": true, "duplicate": true})
	case errors.Is(err, mailer.ErrMalformedPayload):
		metrics.WebhookEventsTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, mailer.ErrUnmatchedEvent):
		metrics.WebhookEventsTotal.WithLabelValues("unmatched").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		writeError(c, err)
	}
}

// ====================== Contacts & groups ======================

type contactReq struct {
	Name  string `json:"name"  binding:"required"`
	Email string `json:"email" binding:"required,email"`
	Tags  string `json:"tags"`
	Group string `json:"group"`
}

func (h *Handlers) CreateContact(c *gin.Context) {
	var req contactReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	contact := mailer.Contact{
		UserID: userID(c),
		Name:   req.Name,
		Email:  req.Email,
		Tags:   req.Tags,
	}
	if req.Group != "" {
		group, err := h.Store.GetOrCreateGroup(ctx, contact.UserID, req.Group)
		if err != nil {
			writeError(c, err)
			return
		}
		contact.GroupID = group.ID
	}
	if err := h.Store.CreateContact(ctx, &contact); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func (h *Handlers) ListContacts(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	contacts, err := h.Store.ListContacts(ctx, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if contacts == nil {
		contacts = []mailer.Contact{}
	}
	c.JSON(http.StatusOK, contacts)
}

func (h *Handlers) UpdateContact(c *gin.Context) {
	var req contactReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	contact, err := h.Store.GetContact(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if contact.UserID != userID(c) {
		writeError(c, mailer.ErrUnauthorized)
		return
	}

	contact.Name = req.Name
	contact.Email = req.Email
	contact.Tags = req.Tags
	contact.GroupID = ""
	if req.Group != "" {
		group, err := h.Store.GetOrCreateGroup(ctx, contact.UserID, req.Group)
		if err != nil {
			writeError(c, err)
			return
		}
		contact.GroupID = group.ID
	}
	if err := h.Store.UpdateContact(ctx, &contact); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

func (h *Handlers) DeleteContact(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	contact, err := h.Store.GetContact(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if contact.UserID != userID(c) {
		writeError(c, mailer.ErrUnauthorized)
		return
	}
	if err := h.Store.DeleteContact(ctx, contact.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) ListGroups(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	groups, err := h.Store.ListGroups(ctx, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if groups == nil {
		groups = []mailer.Group{}
	}
	c.JSON(http.StatusOK, groups)
}
