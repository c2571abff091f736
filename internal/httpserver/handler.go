package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ezreply/internal/model"
	"ezreply/internal/service/dispatch"
	"ezreply/internal/service/ingest"
	"ezreply/internal/service/reminder"
	"ezreply/pkg/logger"
	"ezreply/pkg/outbox"
)

type Poller interface {
	PollAll(ctx context.Context) ([]ingest.AccountResult, error)
}

type Dispatcher interface {
	Sweep(ctx context.Context) ([]dispatch.Result, error)
}

type Reminders interface {
	Sweep(ctx context.Context) ([]reminder.Result, error)
	Snooze(ctx context.Context, id int64, until time.Time) error
	Dismiss(ctx context.Context, id int64) error
}

type Replayer interface {
	ReplayEvent(ctx context.Context, eventID int64) (*outbox.Event, error)
}

// AdminHandler 手动触发各个周期任务，返回逐条结果
type AdminHandler struct {
	poller     Poller
	dispatcher Dispatcher
	reminders  Reminders
	replayer   Replayer
	logger     *zap.Logger
}

func NewAdminHandler(poller Poller, dispatcher Dispatcher, reminders Reminders, replayer Replayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		poller:     poller,
		dispatcher: dispatcher,
		reminders:  reminders,
		replayer:   replayer,
		logger:     logger,
	}
}

// Poll POST /admin/poll
func (h *AdminHandler) Poll(c *gin.Context) {
	results, err := h.poller.PollAll(c.Request.Context())
	if err != nil {
		h.fail(c, "poll", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": results})
}

// Dispatch POST /admin/dispatch
func (h *AdminHandler) Dispatch(c *gin.Context) {
	results, err := h.dispatcher.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, "dispatch", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replies": results})
}

// SweepReminders POST /admin/reminders/sweep
func (h *AdminHandler) SweepReminders(c *gin.Context) {
	results, err := h.reminders.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, "reminder sweep", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reminders": results})
}

type snoozeRequest struct {
	Until time.Time `json:"until" binding:"required"`
}

// SnoozeReminder POST /admin/reminders/:id/snooze {"until": RFC3339}
func (h *AdminHandler) SnoozeReminder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body", "details": err.Error()})
		return
	}
	if err := h.reminders.Snooze(c.Request.Context(), id, req.Until); err != nil {
		h.fail(c, "snooze reminder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "snoozed", "reminder_id": id, "until": req.Until})
}

// DismissReminder POST /admin/reminders/:id/dismiss
func (h *AdminHandler) DismissReminder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.reminders.Dismiss(c.Request.Context(), id); err != nil {
		h.fail(c, "dismiss reminder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "dismissed", "reminder_id": id})
}

// ReplayOutboxEvent POST /admin/outbox/:id/replay
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	event, err := h.replayer.ReplayEvent(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "replay event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "replayed",
		"event_id":    event.ID,
		"routing_key": event.RoutingKey,
	})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *AdminHandler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Admin operation failed",
			zap.String("op", op),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": op + " failed", "details": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, outbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrReminderTerminal), errors.Is(err, reminder.ErrSweepInProgress):
		return http.StatusConflict
	case errors.Is(err, reminder.ErrInvalidSnooze):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
