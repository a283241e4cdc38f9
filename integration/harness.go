package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kasuganosora/engagement/config"
	"github.com/kasuganosora/engagement/engine"
	mw "github.com/kasuganosora/engagement/middleware"
	"github.com/kasuganosora/engagement/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// AdminKey is the admin key every test server is configured with.
const AdminKey = "integration-admin-key"

// Clock is a settable time source shared by the evaluator and the lifecycle.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestServer wraps a real HTTP server in front of a fully wired engine
// backed by in-memory SQLite and the local cache.
type TestServer struct {
	Engine *engine.Engine
	Clock  *Clock
	Server *httptest.Server
	URL    string
}

// NewTestServer builds and starts an engine. start is the initial clock value.
func NewTestServer(t *testing.T, start time.Time, mutate ...func(*config.Config)) *TestServer {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AdminKey = AdminKey
	cfg.Activity.FlushInterval = 10 * time.Millisecond
	cfg.Activity.RetryInitial = time.Millisecond
	cfg.Activity.RetryMax = 5 * time.Millisecond
	cfg.Security.RateLimitRPS = 10000
	cfg.Security.RateLimitBurst = 10000
	cfg.Lifecycle.Workers = 2
	cfg.Lifecycle.AutoGenerate = false
	cfg.Lifecycle.EligibleWindow = 0
	for _, m := range mutate {
		m(cfg)
	}

	clock := &Clock{now: start.UTC()}
	kv, ps := testutil.SetupTestCache(t)
	eng, err := engine.New(cfg, zap.NewNop(),
		engine.WithDB(testutil.SetupTestDB(t)),
		engine.WithCache(kv, ps),
		engine.WithClock(clock.Now),
	)
	require.NoError(t, err)
	eng.Aggregator.Start()

	server := httptest.NewServer(eng.Router)
	ts := &TestServer{Engine: eng, Clock: clock, Server: server, URL: server.URL}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the HTTP server and drains the engine.
func (ts *TestServer) Close() {
	ts.Server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ts.Engine.Stop(ctx)
}

// --- HTTP helpers ---

func (ts *TestServer) do(t *testing.T, method, path string, body any, admin bool) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set(mw.AdminKeyHeader, AdminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with a JSON body.
func (ts *TestServer) PostJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, body, false)
}

// Get sends an unauthenticated GET request.
func (ts *TestServer) Get(t *testing.T, path string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, false)
}

// Admin sends a request carrying the admin key.
func (ts *TestServer) Admin(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return ts.do(t, method, "/api/admin"+path, body, true)
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Domain helpers ---

// Event is one activity signal as posted by the activity source.
type Event struct {
	UserID      string `json:"user_id"`
	CounterType string `json:"counter_type"`
	Delta       int64  `json:"delta"`
}

// Ingest posts events for a guild and requires them all to be accepted.
func (ts *TestServer) Ingest(t *testing.T, guild string, events ...Event) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/guilds/"+guild+"/activity", map[string]any{"events": events})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		Accepted int `json:"accepted"`
	}
	ReadJSON(t, resp, &out)
	require.Equal(t, len(events), out.Accepted)
}

// Messages returns n single-message events for user.
func Messages(user string, n int) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = Event{UserID: user, CounterType: "total_messages", Delta: 1}
	}
	return out
}

// CreateQuest creates a quest definition through the admin API and returns its id.
func (ts *TestServer) CreateQuest(t *testing.T, guild string, body map[string]any) int64 {
	t.Helper()
	resp := ts.Admin(t, http.MethodPost, "/guilds/"+guild+"/quests", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		ID int64 `json:"id"`
	}
	ReadJSON(t, resp, &out)
	require.NotZero(t, out.ID)
	return out.ID
}

// CreateAchievement creates an achievement definition and returns its id.
func (ts *TestServer) CreateAchievement(t *testing.T, guild string, body map[string]any) int64 {
	t.Helper()
	resp := ts.Admin(t, http.MethodPost, "/guilds/"+guild+"/achievements", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		ID int64 `json:"id"`
	}
	ReadJSON(t, resp, &out)
	return out.ID
}

// UserView is the decoded progress snapshot of a user.
type UserView struct {
	Counters map[string]int64 `json:"counters"`
	Level    struct {
		XP    int64 `json:"xp"`
		Level int   `json:"level"`
		Rank  int   `json:"rank"`
	} `json:"level"`
	Quests []struct {
		QuestID               int64  `json:"quest_id"`
		Cycle                 string `json:"cycle"`
		Baseline              int64  `json:"baseline"`
		QuestSpecificProgress int64  `json:"quest_specific_progress"`
		Completed             bool   `json:"completed"`
		Status                string `json:"status"`
	} `json:"quests"`
	Achievements []struct {
		AchievementID int64 `json:"achievement_id"`
	} `json:"achievements"`
}

// User fetches the progress snapshot of a user.
func (ts *TestServer) User(t *testing.T, guild, user string) UserView {
	t.Helper()
	resp := ts.Get(t, "/api/guilds/"+guild+"/users/"+user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v UserView
	ReadJSON(t, resp, &v)
	return v
}

// WaitFor polls the user snapshot until cond holds.
func (ts *TestServer) WaitFor(t *testing.T, guild, user string, cond func(UserView) bool) UserView {
	t.Helper()
	var last UserView
	require.Eventually(t, func() bool {
		last = ts.User(t, guild, user)
		return cond(last)
	}, 3*time.Second, 15*time.Millisecond, "last snapshot: %+v", last)
	return last
}

var testCounter uint64

// UniqueID returns a short unique id suitable for guilds and users.
func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s%d%d", prefix, time.Now().UnixNano()%100000, n)
}
