package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flufflyhq/fluffly/pkg/metrics"
)

func NewHTTPServer(addr, jwtSecret string, h *Handlers) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// the provider authenticates with its signature, not a user token
	r.POST("/api/webhooks/resend", h.ResendWebhook)

	api := r.Group("/api", Auth(jwtSecret))
	{
		api.POST("/campaigns", h.CreateCampaign)
		api.GET("/campaigns", h.ListCampaigns)
		api.GET("/campaigns/:id", h.GetCampaign)
		api.PUT("/campaigns/:id", h.UpdateCampaign)
		api.DELETE("/campaigns/:id", h.DeleteCampaign)
		api.POST("/campaigns/:id/send", h.SendCampaign)
		api.GET("/campaigns/:id/analytics", h.GetAnalytics)
		api.POST("/campaigns/track-email", h.TrackEmail)

		api.GET("/contacts", h.ListContacts)
		api.POST("/contacts", h.CreateContact)
		api.PUT("/contacts/:id", h.UpdateContact)
		api.DELETE("/contacts/:id", h.DeleteContact)

		api.GET("/templates", h.ListTemplates)
		api.POST("/templates", h.CreateTemplate)
		api.PUT("/templates/:id", h.UpdateTemplate)
		api.DELETE("/templates/:id", h.DeleteTemplate)

		api.GET("/groups", h.ListGroups)
	}

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
