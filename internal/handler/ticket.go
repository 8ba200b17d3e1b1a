package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/psds-microservice/support-chat/internal/auth"
	"github.com/psds-microservice/support-chat/internal/errs"
	"github.com/psds-microservice/support-chat/internal/metrics"
	"github.com/psds-microservice/support-chat/internal/model"
	"github.com/psds-microservice/support-chat/internal/realtime"
	"github.com/psds-microservice/support-chat/internal/service"
)

type TicketHandler struct {
	svc    service.TicketServicer
	notify realtime.Notifier
	log    zerolog.Logger
}

func NewTicketHandler(svc service.TicketServicer, notify realtime.Notifier, log zerolog.Logger) *TicketHandler {
	return &TicketHandler{svc: svc, notify: notify, log: log.With().Str("component", "ticket-handler").Logger()}
}

// writeError maps service sentinels to HTTP codes.
func (h *TicketHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrTicketNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrInvalidStatus), errors.Is(err, errs.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func actor(c *gin.Context) model.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

func (h *TicketHandler) List(c *gin.Context) {
	status, err := model.ParseFilter(c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	items, err := h.svc.List(c.Request.Context(), actor(c), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]model.WireTicket, 0, len(items))
	for i := range items {
		out = append(out, model.ToWire(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"tickets": out, "total": len(out)})
}

func (h *TicketHandler) Get(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.ToWire(t))
}

type createTicketRequest struct {
	UserID      string   `json:"userId"`
	UserName    string   `json:"userName"`
	UserEmail   string   `json:"userEmail"`
	Subject     string   `json:"subject"`
	Message     string   `json:"message"`
	Attachments []string `json:"attachments"`
}

func (h *TicketHandler) Create(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	t, err := h.svc.Create(c.Request.Context(), actor(c), service.CreateInput{
		UserID:      req.UserID,
		UserName:    req.UserName,
		UserEmail:   req.UserEmail,
		Subject:     req.Subject,
		Message:     req.Message,
		Attachments: req.Attachments,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.notify.TicketCreated(t)
	c.JSON(http.StatusCreated, model.ToWire(t))
}

type replyRequest struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments"`
}

func (h *TicketHandler) Reply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	a := actor(c)
	t, r, err := h.svc.Reply(c.Request.Context(), a, c.Param("id"), service.ReplyInput{
		Message:     req.Message,
		Attachments: req.Attachments,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.RepliesTotal.WithLabelValues(string(a.Role)).Inc()
	h.notify.TicketReplied(t, r)
	c.JSON(http.StatusOK, model.ToWire(t))
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *TicketHandler) SetStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ch, err := h.svc.SetStatus(c.Request.Context(), actor(c), c.Param("id"), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if ch.Changed {
		metrics.StatusTransitions.WithLabelValues(string(ch.Previous), string(status)).Inc()
		h.notify.TicketStatusChanged(ch.Ticket, ch.Previous)
	}
	c.JSON(http.StatusOK, model.ToWire(ch.Ticket))
}
