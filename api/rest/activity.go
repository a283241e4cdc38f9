package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/activity"
	"github.com/kasuganosora/engagement/model"
)

const maxIngestBatch = 500

// ActivityHandler accepts activity signals from the activity source.
type ActivityHandler struct {
	agg *activity.Aggregator
}

func NewActivityHandler(agg *activity.Aggregator) *ActivityHandler {
	return &ActivityHandler{agg: agg}
}

// ActivityEvent is one activity signal.
type ActivityEvent struct {
	UserID      string `json:"user_id" binding:"required,max=32"`
	CounterType string `json:"counter_type" binding:"required"`
	Delta       int64  `json:"delta"`
}

type ingestRequest struct {
	Events []ActivityEvent `json:"events" binding:"required,min=1,dive"`
}

// Ingest records a batch of activity signals for a guild. Events are
// accepted independently; the response lists the ones rejected.
// POST /api/guilds/:guild/activity
func (h *ActivityHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(req.Events) > maxIngestBatch {
		badRequest(c, "too many events")
		return
	}

	guildID := c.Param("guild")
	type rejected struct {
		Index int    `json:"index"`
		Error string `json:"error"`
	}
	var rej []rejected
	accepted := 0
	for i, ev := range req.Events {
		err := h.agg.Record(c.Request.Context(), guildID, ev.UserID, model.CounterType(ev.CounterType), ev.Delta)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, activity.ErrNegativeDelta), errors.Is(err, activity.ErrUnknownCounter),
			errors.Is(err, activity.ErrInvalidID):
			rej = append(rej, rejected{Index: i, Error: err.Error()})
		default:
			// Saturated or stopping: the caller retries the remainder.
			if accepted == 0 {
				fail(c, err)
				return
			}
			c.Header("Retry-After", "1")
			c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "rejected": rej, "retry_from": i})
			return
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "rejected": rej})
}
