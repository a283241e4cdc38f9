// Package sse streams engine events to HTTP clients as server-sent events.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/notify"
	"go.uber.org/zap"
)

const keepalive = 30 * time.Second

// Handler serves the event streams.
type Handler struct {
	pubsub    cache.PubSub
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new SSE Handler.
func NewHandler(pubsub cache.PubSub, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, keepalive: keepalive, logger: logger}
}

// GuildEvents streams one guild's events. ?user= narrows the stream to
// one user's events.
// GET /api/guilds/:guild/events
func (h *Handler) GuildEvents(c *gin.Context) {
	user := c.Query("user")
	h.stream(c, notify.Topic(c.Param("guild")), func(e notify.Event) bool {
		return user == "" || e.UserID == user
	})
}

// AllEvents streams every guild's events. Admin only.
// GET /api/admin/events
func (h *Handler) AllEvents(c *gin.Context) {
	h.stream(c, notify.AllTopic, func(notify.Event) bool { return true })
}

func (h *Handler) stream(c *gin.Context, topic string, keep func(notify.Event) bool) {
	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.String("topic", topic), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			e, err := notify.Decode(msg.Payload)
			if err != nil {
				h.logger.Warn("sse dropping undecodable event", zap.String("topic", topic), zap.Error(err))
				continue
			}
			if !keep(e) {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", e.Kind, msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
