package main

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"call-screening/internal/audit"
	"call-screening/internal/auth"
	"call-screening/internal/calls"
	"call-screening/internal/config"
	"call-screening/internal/httpapi"
	"call-screening/internal/reporting"
	"call-screening/internal/resilience"
	"call-screening/internal/screening"
	"call-screening/internal/telephony"
	"call-screening/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routeDeps struct {
	cfg      config.Config
	log      *slog.Logger
	auth     *auth.Manager
	store    calls.Store
	registry *screening.Registry
	guard    *resilience.Guard
	slots    *utils.CallSlots
	db       *sql.DB
	gatherer prometheus.Gatherer
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		ctx := c.Request.Context()
		status := gin.H{"status": "ok", "live_sessions": d.registry.Len()}
		if err := utils.HealthCheck(ctx, d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))

	// Provider webhooks (public, Twilio-signed).
	{
		h := &telephony.Handler{
			Sessions:      d.registry,
			Owners:        telephony.NumberOwners(d.cfg.Screening.OwnerNumbers),
			Admission:     telephony.NewAdmission(d.slots, d.cfg.Screening.OwnerCallsPerMinute, d.log),
			Signature:     telephony.SignatureValidator{AuthToken: d.cfg.Twilio.AuthToken},
			StreamURL:     d.cfg.MediaStreamURL(),
			BusyMessage:   d.cfg.Screening.BusyMessage,
			PublicBaseURL: d.cfg.App.PublicBaseURL,
		}
		if !h.Signature.Enabled() {
			d.log.Warn("TWILIO_AUTH_TOKEN not set; webhook signatures are not checked")
		}
		r.POST("/webhooks/twilio/voice", h.HandleVoice)
		r.GET("/media-stream", h.HandleMediaStream)
	}

	h := httpapi.Handlers{
		Auth:     d.auth,
		Calls:    d.store,
		Reports:  reporting.NewService(reporting.StoreRepo{Store: d.store}),
		Sessions: d.registry,
		Breakers: d.guard.Breakers(),
		Audit:    audit.NewService(audit.NewPostgresRepo(d.db)),
	}

	// AUTH routes (token issuance).
	// NOTE: development login only; credentials are not checked.
	if !d.cfg.IsProduction() {
		r.POST("/v1/auth/login", h.Login)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth))
	h.Mount(v1)
}
