package rest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/activity"
	"github.com/kasuganosora/engagement/progress"
	"github.com/kasuganosora/engagement/reward"
	"github.com/kasuganosora/engagement/store"
	"github.com/stretchr/testify/assert"
)

func init() { gin.SetMode(gin.TestMode) }

func TestFail_StatusMapping(t *testing.T) {
	cases := []struct {
		err        error
		status     int
		retryAfter bool
	}{
		{fmt.Errorf("read: %w", store.ErrNotFound), http.StatusNotFound, false},
		{progress.ErrDefinitionNotFound, http.StatusNotFound, false},
		{store.ErrConflict, http.StatusConflict, false},
		{reward.ErrInvalidGrant, http.StatusBadRequest, false},
		{activity.ErrNegativeDelta, http.StatusBadRequest, false},
		{activity.ErrInvalidID, http.StatusBadRequest, false},
		{activity.ErrQueueFull, http.StatusServiceUnavailable, true},
		{&store.TransientError{Op: "x", Err: errors.New("busy")}, http.StatusServiceUnavailable, true},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			fail(c, tc.err)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.retryAfter, w.Header().Get("Retry-After") != "")
			assert.NotContains(t, w.Body.String(), "boom", "internal errors are not leaked")
		})
	}
}
