package ingress

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"notifyd/internal/ledger"
	"notifyd/internal/task/engine"
	"notifyd/internal/trigger"
	logx "notifyd/pkg/logx"
)

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := s.deps.Health.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) handleEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev trigger.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event body"})
			return
		}
		ev.ID = strings.TrimSpace(ev.ID)
		if ev.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required"})
			return
		}
		switch ev.Kind {
		case trigger.KindOrderUpdated, trigger.KindRequestCreated, trigger.KindUserCreated:
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown event kind"})
			return
		}
		if s.deps.Observe != nil {
			s.deps.Observe("webhook", string(ev.Kind))
		}
		log := s.log.With(logx.String("event", ev.ID), logx.String("kind", string(ev.Kind)), logx.String("caller", subject(c)))

		if ev.Kind == trigger.KindRequestCreated {
			s.acceptRequest(c, log, ev)
			return
		}
		if err := s.submit(c.Request.Context(), log, ev); err != nil {
			s.submitFailed(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event_id": ev.ID})
	}
}

// acceptRequest records the request in the ledger. The change feed
// dispatches it from there unless it is disabled.
func (s *Server) acceptRequest(c *gin.Context, log logx.Logger, ev trigger.Event) {
	req, err := trigger.RequestFromEvent(ev)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.deps.Requests.Create(c.Request.Context(), req)
	if err != nil {
		log.Error("ledger create failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record request"})
		return
	}
	if !s.cfg.FeedActive {
		ev.DocumentID = id
		if err := s.submit(c.Request.Context(), log, ev); err != nil {
			s.submitFailed(c, log, err)
			return
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event_id": ev.ID, "request_id": id})
}

func (s *Server) submit(ctx context.Context, log logx.Logger, ev trigger.Event) error {
	return s.deps.Events.Submit(ctx, ev, func(err error) {
		if err != nil {
			log.Warn("webhook event failed", logx.Err(err))
		}
	})
}

func (s *Server) submitFailed(c *gin.Context, log logx.Logger, err error) {
	log.Warn("webhook submit failed", logx.Err(err))
	if errors.Is(err, engine.ErrDisabled) || errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrStopping) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatcher unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "could not enqueue event"})
}

type requestResponse struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Status        string            `json:"status"`
	UserID        string            `json:"user_id,omitempty"`
	TargetUserIDs []string          `json:"target_user_ids,omitempty"`
	Category      string            `json:"category,omitempty"`
	Title         string            `json:"title,omitempty"`
	Body          string            `json:"body,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	CreatedAt     string            `json:"created_at"`
	ProcessedAt   string            `json:"processed_at,omitempty"`
	SentAt        string            `json:"sent_at,omitempty"`
	TotalTargeted int               `json:"total_targeted,omitempty"`
	TotalSent     int               `json:"total_sent,omitempty"`
	TotalFailed   int               `json:"total_failed,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func toRequestResponse(e ledger.Entry) requestResponse {
	return requestResponse{
		ID:            e.ID,
		Type:          e.Type,
		Status:        e.Status,
		UserID:        e.UserID,
		TargetUserIDs: e.TargetUserIDs,
		Category:      e.Category,
		Title:         e.Title,
		Body:          e.Body,
		Data:          e.Data,
		CreatedAt:     rfc3339(e.CreatedAt),
		ProcessedAt:   rfc3339(e.ProcessedAt),
		SentAt:        rfc3339(e.SentAt),
		TotalTargeted: e.TotalTargeted,
		TotalSent:     e.TotalSent,
		TotalFailed:   e.TotalFailed,
		Error:         e.Error,
	}
}

func rfc3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) handleGetRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := s.deps.Requests.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
			return
		}
		if err != nil {
			s.log.Error("ledger get failed", logx.String("id", c.Param("id")), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load request"})
			return
		}
		c.JSON(http.StatusOK, toRequestResponse(e))
	}
}
