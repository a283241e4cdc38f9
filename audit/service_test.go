package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/middleware"
	"github.com/kasuganosora/engagement/model"
	"github.com/kasuganosora/engagement/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

func TestLog_EnqueuedAndFlushed(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	svc.Log(Entry{
		TraceID:    "trace-123",
		GuildID:    "g1",
		Action:     "quest.create",
		Target:     "/admin/guilds/g1/quests",
		Request:    map[string]string{"name": "Chatter"},
		Response:   map[string]int64{"id": 7},
		IP:         "127.0.0.1",
		DurationMs: 42,
	})

	// Stop flushes remaining entries.
	svc.Stop(context.Background())

	var logs []model.AuditLog
	db.Find(&logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "trace-123", logs[0].TraceID)
	assert.Equal(t, "g1", logs[0].GuildID)
	assert.Equal(t, "quest.create", logs[0].Action)
	assert.JSONEq(t, `{"name":"Chatter"}`, string(logs[0].Request))
	assert.Equal(t, 42, logs[0].DurationMs)
}

func TestLog_BatchFlush(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	defer svc.Stop(context.Background())

	for i := 0; i < batchSize; i++ {
		svc.Log(Entry{Action: "batch", GuildID: "g1"})
	}

	// A full batch is written without waiting for the ticker or Stop.
	assert.Eventually(t, func() bool {
		var count int64
		db.Model(&model.AuditLog{}).Count(&count)
		return count == batchSize
	}, time.Second, 10*time.Millisecond)
}

func TestStop_Idempotent(t *testing.T) {
	svc := New(testutil.SetupTestDB(t), nop())
	svc.Stop(context.Background())
	svc.Stop(context.Background())
}

func TestRecent_FiltersByGuild(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	for _, g := range []string{"g1", "g2", "g1"} {
		svc.Log(Entry{Action: "config.update", GuildID: g})
	}
	svc.Stop(context.Background())

	got, err := svc.Recent(context.Background(), "g1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	all, err := svc.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Greater(t, all[0].ID, all[1].ID)
}

func TestMiddleware_RecordsRequest(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	r := gin.New()
	r.Use(middleware.TraceID())
	r.POST("/admin/guilds/:guild/counters/reset", Middleware(svc, "counter.reset"), func(c *gin.Context) {
		SetRequest(c, map[string]string{"user_id": "u1"})
		c.Status(http.StatusNotFound)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/guilds/g9/counters/reset", nil))
	svc.Stop(context.Background())

	var logs []model.AuditLog
	db.Find(&logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "counter.reset", logs[0].Action)
	assert.Equal(t, "g9", logs[0].GuildID)
	assert.Equal(t, w.Header().Get(middleware.TraceIDHeader), logs[0].TraceID)
	assert.Equal(t, "status Not Found", logs[0].Error)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(logs[0].Request))
}
