// Package audit records administrative actions. Entries are written
// asynchronously in batches so audited requests never wait on the log.
package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/engagement/middleware"
	"github.com/kasuganosora/engagement/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	batchSize     = 100
	flushInterval = 2 * time.Second
)

// Entry holds one audit event to be logged.
type Entry struct {
	TraceID    string
	GuildID    string
	Action     string
	Target     string
	Request    any
	Response   any
	Error      string
	IP         string
	DurationMs int
}

// Service logs audit entries asynchronously in batches.
type Service struct {
	db     *gorm.DB
	ch     chan *model.AuditLog
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditLog, 1024),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Log enqueues an audit entry. A full queue drops the entry with a warning.
func (svc *Service) Log(e Entry) {
	record := &model.AuditLog{
		TraceID:    e.TraceID,
		GuildID:    e.GuildID,
		Action:     e.Action,
		Target:     e.Target,
		Request:    marshal(e.Request),
		Response:   marshal(e.Response),
		Error:      e.Error,
		IP:         e.IP,
		DurationMs: e.DurationMs,
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("action", e.Action), zap.String("guild", e.GuildID))
	}
}

func marshal(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// Recent returns the latest entries of a guild, newest first. An empty
// guild lists entries of every guild.
func (svc *Service) Recent(ctx context.Context, guildID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := svc.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	var out []model.AuditLog
	return out, q.Find(&out).Error
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	svc.once.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, batchSize)
	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				batch = svc.flush(batch)
			}
		case <-ticker.C:
			batch = svc.flush(batch)
		case <-svc.stopCh:
			for {
				select {
				case entry := <-svc.ch:
					batch = append(batch, entry)
				default:
					svc.flush(batch)
					return
				}
			}
		}
	}
}

func (svc *Service) flush(batch []*model.AuditLog) []*model.AuditLog {
	if len(batch) == 0 {
		return batch
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, svc.db.Create(&batch).Error
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	if err != nil {
		svc.logger.Error("audit batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
	}
	return batch[:0]
}

// Middleware audits every request through the route under action. The
// target is the request path; handlers may attach a response summary
// with SetResponse.
func Middleware(svc *Service, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		e := Entry{
			TraceID:    middleware.GetTraceID(c),
			GuildID:    c.Param("guild"),
			Action:     action,
			Target:     c.Request.URL.Path,
			IP:         c.ClientIP(),
			DurationMs: int(time.Since(start).Milliseconds()),
		}
		if v, ok := c.Get(requestKey); ok {
			e.Request = v
		}
		if v, ok := c.Get(responseKey); ok {
			e.Response = v
		}
		if len(c.Errors) > 0 {
			e.Error = c.Errors.String()
		} else if c.Writer.Status() >= 400 {
			e.Error = "status " + http.StatusText(c.Writer.Status())
		}
		svc.Log(e)
	}
}

const (
	requestKey  = "audit.request"
	responseKey = "audit.response"
)

// SetRequest attaches the decoded request body to the audit entry.
func SetRequest(c *gin.Context, v any) { c.Set(requestKey, v) }

// SetResponse attaches a response summary to the audit entry.
func SetResponse(c *gin.Context, v any) { c.Set(responseKey, v) }
