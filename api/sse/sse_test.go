package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/notify"
	"github.com/kasuganosora/engagement/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// readEvent returns the next "event:" name and its data line.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestGuildEvents_FiltersByUser(t *testing.T) {
	_, ps := testutil.SetupTestCache(t)
	h := NewHandler(ps, zap.NewNop())
	r := gin.New()
	r.GET("/api/guilds/:guild/events", h.GuildEvents)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/guilds/g1/events?user=u1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, body)
	require.Equal(t, "connected", name)

	pub := notify.NewPublisher(ps, zap.NewNop())
	require.NoError(t, pub.OnLevelUp(ctx, notify.Event{GuildID: "g1", UserID: "u2", NewLevel: 2}))
	require.NoError(t, pub.OnLevelUp(ctx, notify.Event{GuildID: "g2", UserID: "u1", NewLevel: 4}))
	require.NoError(t, pub.OnQuestCompleted(ctx, notify.Event{GuildID: "g1", UserID: "u1", QuestID: 9}))

	name, data := readEvent(t, body)
	assert.Equal(t, string(notify.KindQuestCompleted), name)
	e, err := notify.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, int64(9), e.QuestID)
}

func TestAllEvents_Keepalive(t *testing.T) {
	_, ps := testutil.SetupTestCache(t)
	h := NewHandler(ps, zap.NewNop())
	h.keepalive = 20 * time.Millisecond
	r := gin.New()
	r.GET("/api/admin/events", h.AllEvents)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/admin/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, body)
	require.Equal(t, "connected", name)

	for {
		line, err := body.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": keepalive") {
			break
		}
	}

	pub := notify.NewPublisher(ps, zap.NewNop())
	require.NoError(t, pub.OnAchievementEarned(ctx, notify.Event{GuildID: "g7", UserID: "u1", AchievementID: 3}))
	name, _ = readEvent(t, body)
	assert.Equal(t, string(notify.KindAchievementEarned), name)
}
