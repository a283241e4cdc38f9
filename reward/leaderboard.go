package reward

import (
	"context"

	"github.com/kasuganosora/engagement/cache"
	"github.com/kasuganosora/engagement/store"
	"go.uber.org/zap"
)

// Entry is one ranked leaderboard row.
type Entry struct {
	Rank   int    `json:"rank"`
	UserID string `json:"user_id"`
	XP     int64  `json:"xp"`
	Level  int    `json:"level"`
}

// Leaderboard keeps a per-guild XP sorted set in the shared cache. The
// ledger stays authoritative: an empty or failing set is rebuilt from it.
type Leaderboard struct {
	kv     cache.Cache
	store  store.LedgerStore
	curve  Curve
	logger *zap.Logger
}

func NewLeaderboard(kv cache.Cache, st store.LedgerStore, curve Curve, logger *zap.Logger) *Leaderboard {
	return &Leaderboard{kv: kv, store: st, curve: curve.normalized(), logger: logger}
}

func boardKey(guildID string) string { return "eng:lb:" + guildID }

// Record sets the user's score to their lifetime XP.
func (b *Leaderboard) Record(ctx context.Context, guildID, userID string, xp int64) {
	if err := b.kv.ZAdd(ctx, boardKey(guildID), float64(xp), userID); err != nil {
		b.logger.Warn("leaderboard update failed", zap.String("guild", guildID), zap.Error(err))
	}
}

// Top returns up to limit entries ordered by XP.
func (b *Leaderboard) Top(ctx context.Context, guildID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	members, err := b.kv.ZRevRangeWithScores(ctx, boardKey(guildID), 0, int64(limit-1))
	if err == nil && len(members) > 0 {
		out := make([]Entry, len(members))
		for i, m := range members {
			xp := int64(m.Score)
			out[i] = Entry{Rank: i + 1, UserID: m.Member, XP: xp, Level: b.curve.LevelForXP(xp)}
		}
		return out, nil
	}
	if err != nil {
		b.logger.Warn("leaderboard read failed, using ledger", zap.String("guild", guildID), zap.Error(err))
	}

	rows, err := b.store.TopLevels(ctx, guildID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{Rank: i + 1, UserID: r.UserID, XP: r.XP, Level: b.curve.LevelForXP(r.XP)}
		b.Record(ctx, guildID, r.UserID, r.XP)
	}
	return out, nil
}

// Rank returns the 1-based rank of a user, or 0 when unranked.
func (b *Leaderboard) Rank(ctx context.Context, guildID, userID string) int {
	r, err := b.kv.ZRevRank(ctx, boardKey(guildID), userID)
	if err != nil {
		if !cache.IsNotFound(err) {
			b.logger.Warn("leaderboard rank failed", zap.String("guild", guildID), zap.Error(err))
		}
		return 0
	}
	return int(r) + 1
}
