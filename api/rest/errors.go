package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/activity"
	"github.com/kasuganosora/engagement/progress"
	"github.com/kasuganosora/engagement/reward"
	"github.com/kasuganosora/engagement/store"
)

// fail maps an engine error onto an HTTP status and aborts the request.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, progress.ErrDefinitionNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, store.ErrConflict):
		status, msg = http.StatusConflict, "conflict"
	case errors.Is(err, reward.ErrInvalidGrant),
		errors.Is(err, activity.ErrNegativeDelta),
		errors.Is(err, activity.ErrUnknownCounter),
		errors.Is(err, activity.ErrInvalidID),
		errors.Is(err, progress.ErrMalformedDefinition):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, activity.ErrQueueFull), errors.Is(err, activity.ErrStopped), store.IsTransient(err):
		c.Header("Retry-After", "1")
		status, msg = http.StatusServiceUnavailable, "temporarily unavailable"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
