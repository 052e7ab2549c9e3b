package telephony

import (
	"context"
	"net/http"
	"strings"
	"time"

	"call-screening/internal/screening"
	"call-screening/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// SessionOpener starts a screening session on a transport.
type SessionOpener interface {
	Open(ctx context.Context, transport screening.Transport) *screening.Session
}

// OwnerResolver maps a webhook to the owner whose call is being screened.
type OwnerResolver interface {
	ResolveOwner(c *gin.Context, form VoiceWebhook) string
}

// NumberOwners resolves owners from an explicit ?ownerId= on the webhook URL, else from
// the dialed number, else from the number the call was forwarded from.
type NumberOwners map[string]string

func (m NumberOwners) ResolveOwner(c *gin.Context, form VoiceWebhook) string {
	if id := strings.TrimSpace(c.Query(ParamOwnerID)); id != "" {
		return id
	}
	if id := m[form.To]; id != "" {
		return id
	}
	return m[form.ForwardedFrom]
}

// Handler serves the Twilio voice webhook and the media stream websocket.
// No screening logic here: it admits, answers with TwiML and pipes frames.
type Handler struct {
	Sessions  SessionOpener
	Owners    OwnerResolver
	Admission *Admission
	Signature SignatureValidator

	// StreamURL is the wss:// URL advertised in TwiML.
	StreamURL   string
	BusyMessage string
	// PublicBaseURL rebuilds the URL Twilio signed when running behind a proxy.
	PublicBaseURL string

	Upgrader websocket.Upgrader
	Stream   StreamConnOptions
}

func (h *Handler) HandleVoice(c *gin.Context) {
	log := logger.FromGin(c)

	if h.StreamURL == "" {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "media stream url not configured"})
		return
	}

	form, err := ParseVoiceWebhook(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if !h.Signature.Valid(h.signedURL(c), c.Request.PostForm, c.GetHeader(SignatureHeader)) {
		log.Warn("twilio signature mismatch", "call_sid", form.CallSid)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}

	var ownerID string
	if h.Owners != nil {
		ownerID = h.Owners.ResolveOwner(c, form)
	}
	log = log.With("call_sid", form.CallSid, "owner_id", ownerID)
	if ownerID == "" {
		log.Warn("no owner for dialed number; screening without owner", "to", form.To)
	}

	if h.Admission != nil {
		if d := h.Admission.Admit(c.Request.Context(), ownerID, form.CallSid); d != Admitted {
			log.Info("call turned away", "decision", d)
			h.writeTwiML(c, func() (string, error) { return RenderBusy(h.BusyMessage) })
			return
		}
	}

	h.writeTwiML(c, func() (string, error) {
		return RenderStream(h.StreamURL, form.StreamParameters(ownerID))
	})
}

func (h *Handler) writeTwiML(c *gin.Context, render func() (string, error)) {
	twiml, err := render()
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

func (h *Handler) signedURL(c *gin.Context) string {
	if h.PublicBaseURL != "" {
		return strings.TrimRight(h.PublicBaseURL, "/") + c.Request.URL.RequestURI()
	}
	scheme := c.GetHeader("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if c.Request.TLS == nil {
			scheme = "http"
		}
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}

// HandleMediaStream upgrades to a websocket and runs one screening session on it.
// It returns once the session has fully ended.
func (h *Handler) HandleMediaStream(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Sessions == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sessions not configured"})
		return
	}

	ws, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn("media stream upgrade failed", "err", err)
		return
	}

	conn := NewStreamConn(ws, log, h.Stream)
	// Detached so the session can finish persisting after the socket is gone.
	ctx := context.WithoutCancel(c.Request.Context())
	sess := h.Sessions.Open(ctx, conn)

	if err := conn.ReadInto(h.confirmSlot(ctx, sess.Dispatch)); err != nil {
		log.Debug("media stream read ended", "err", err)
	}
	<-sess.Done()

	if h.Admission != nil {
		meta := sess.Metadata()
		releaseCtx, cancel := context.WithTimeout(ctx, slotOpTimeout)
		h.Admission.Release(releaseCtx, meta.OwnerID, meta.CallSID)
		cancel()
	}
}

const slotOpTimeout = 2 * time.Second

// confirmSlot wraps sink so the call's pending slot is kept once its stream starts.
func (h *Handler) confirmSlot(ctx context.Context, sink func(screening.Event)) func(screening.Event) {
	if h.Admission == nil {
		return sink
	}
	return func(ev screening.Event) {
		if st, ok := ev.(screening.StreamStarted); ok {
			confirmCtx, cancel := context.WithTimeout(ctx, slotOpTimeout)
			h.Admission.Confirm(confirmCtx, st.Metadata.OwnerID, st.Metadata.CallSID)
			cancel()
		}
		sink(ev)
	}
}
