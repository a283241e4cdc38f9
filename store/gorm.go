package store

import (
	"context"
	"sort"
	"time"

	"github.com/kasuganosora/engagement/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on gorm.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying handle for components that share the connection pool.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
	return classify("transaction", err)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify("ping", err)
	}
	return classify("ping", sqlDB.PingContext(ctx))
}

// ---- counters ----

func counterWhere(db *gorm.DB, k model.CounterKey) *gorm.DB {
	return db.Where("guild_id = ? AND user_id = ? AND counter_type = ?", k.GuildID, k.UserID, k.CounterType)
}

func (s *GormStore) ReadCounter(ctx context.Context, key model.CounterKey) (int64, error) {
	var row model.ActivityCounter
	err := counterWhere(s.db.WithContext(ctx), key).Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read counter", err)
	}
	return row.Total, nil
}

func (s *GormStore) ReadCounters(ctx context.Context, guildID, userID string) ([]model.ActivityCounter, error) {
	var rows []model.ActivityCounter
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("counter_type").
		Find(&rows).Error
	return rows, classify("read counters", err)
}

func (s *GormStore) UpsertCounterBatch(ctx context.Context, deltas []model.CounterDelta) ([]model.CounterUpdate, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	out := make([]model.CounterUpdate, 0, len(deltas))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for _, d := range deltas {
			row := model.ActivityCounter{
				GuildID:     d.GuildID,
				UserID:      d.UserID,
				CounterType: d.CounterType,
				Total:       d.Delta,
				UpdatedAt:   now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "guild_id"}, {Name: "user_id"}, {Name: "counter_type"}},
				DoUpdates: clause.Assignments(map[string]any{
					"total":      gorm.Expr("activity_counters.total + ?", d.Delta),
					"updated_at": now,
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
			var cur model.ActivityCounter
			if err := counterWhere(tx, d.CounterKey).Take(&cur).Error; err != nil {
				return err
			}
			out = append(out, model.CounterUpdate{
				CounterKey: d.CounterKey,
				Value:      cur.Total,
				Previous:   cur.Total - d.Delta,
			})
		}
		return nil
	})
	if err != nil {
		return nil, classify("upsert counters", err)
	}
	return out, nil
}

func (s *GormStore) ResetCounter(ctx context.Context, key model.CounterKey) error {
	res := counterWhere(s.db.WithContext(ctx).Model(&model.ActivityCounter{}), key).
		Updates(map[string]any{"total": 0, "updated_at": time.Now()})
	if res.Error != nil {
		return classify("reset counter", res.Error)
	}
	if res.RowsAffected == 0 {
		return classify("reset counter", gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *GormStore) ReadCounterValues(ctx context.Context, guildID string, ct model.CounterType, userIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(userIDs))
	const chunk = 500
	for start := 0; start < len(userIDs); start += chunk {
		end := min(start+chunk, len(userIDs))
		var rows []model.ActivityCounter
		err := s.db.WithContext(ctx).
			Where("guild_id = ? AND counter_type = ? AND user_id IN ?", guildID, ct, userIDs[start:end]).
			Find(&rows).Error
		if err != nil {
			return nil, classify("read counter values", err)
		}
		for _, r := range rows {
			out[r.UserID] = r.Total
		}
	}
	return out, nil
}

func (s *GormStore) EligibleUsers(ctx context.Context, guildID string, since time.Time) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&model.ActivityCounter{}).Where("guild_id = ?", guildID)
	if !since.IsZero() {
		q = q.Where("updated_at >= ?", since)
	}
	var users []string
	err := q.Distinct("user_id").Order("user_id").Pluck("user_id", &users).Error
	return users, classify("eligible users", err)
}

func (s *GormStore) ListGuilds(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, m := range []any{&model.ActivityCounter{}, &model.ServerConfig{}, &model.QuestDefinition{}} {
		var ids []string
		if err := s.db.WithContext(ctx).Model(m).Distinct("guild_id").Pluck("guild_id", &ids).Error; err != nil {
			return nil, classify("list guilds", err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
