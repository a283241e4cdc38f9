package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kasuganosora/engagement/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublisher_PublishesToGuildAndAllTopics(t *testing.T) {
	ps, err := cache.NewPubSub(cache.CacheConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	guildCh, cancelGuild, err := ps.Subscribe(ctx, Topic("g1"))
	require.NoError(t, err)
	defer cancelGuild()
	allCh, cancelAll, err := ps.Subscribe(ctx, AllTopic)
	require.NoError(t, err)
	defer cancelAll()

	p := NewPublisher(ps, zap.NewNop())
	require.NoError(t, p.OnLevelUp(ctx, Event{GuildID: "g1", UserID: "u1", OldLevel: 1, NewLevel: 2}))

	for _, ch := range []<-chan *cache.Message{guildCh, allCh} {
		select {
		case msg := <-ch:
			e, err := Decode(msg.Payload)
			require.NoError(t, err)
			assert.Equal(t, KindLevelUp, e.Kind)
			assert.Equal(t, 2, e.NewLevel)
			assert.False(t, e.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

type recorder struct {
	kinds []Kind
	err   error
}

func (r *recorder) OnQuestCompleted(_ context.Context, e Event) error {
	r.kinds = append(r.kinds, KindQuestCompleted)
	return r.err
}

func (r *recorder) OnAchievementEarned(_ context.Context, e Event) error {
	r.kinds = append(r.kinds, KindAchievementEarned)
	return r.err
}

func (r *recorder) OnLevelUp(_ context.Context, e Event) error {
	r.kinds = append(r.kinds, KindLevelUp)
	return r.err
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("channel gone")
	a, b := &recorder{}, &recorder{err: boom}
	f := Fanout{a, b, Nop{}}

	err := f.OnQuestCompleted(context.Background(), Event{GuildID: "g1"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []Kind{KindQuestCompleted}, a.kinds)
	assert.Equal(t, []Kind{KindQuestCompleted}, b.kinds)

	require.NoError(t, Fanout{a}.OnAchievementEarned(context.Background(), Event{}))
}
