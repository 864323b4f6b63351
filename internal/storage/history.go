package storage

import (
	"context"
	"fmt"
	"time"

	"cefguard/internal/logger"
	"cefguard/internal/queue"
	"cefguard/pkg/model"
	"cefguard/pkg/traffic"

	"github.com/samber/lo"
	"gorm.io/gorm"
)

const (
	// 单次批量写入的最大条数
	batchSize = 256

	defaultPruneEvery = time.Hour
)

// RequestRecord 一条持久化的过滤决策
type RequestRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Session   string    `gorm:"size:36;index"`
	Hook      string    `gorm:"size:32;index"`
	Blocked   bool      `gorm:"index"`
	URL       string    `gorm:"size:4096"`
	CreatedAt time.Time `gorm:"index"`
}

func recordOf(d *traffic.Decision) RequestRecord {
	return RequestRecord{
		Session:   d.Session,
		Hook:      d.Hook.String(),
		Blocked:   d.Blocked,
		URL:       d.URL,
		CreatedAt: d.Time,
	}
}

// Decision 还原为决策记录
func (r RequestRecord) Decision() (*traffic.Decision, error) {
	hook, err := model.ParseHookPoint(r.Hook)
	if err != nil {
		return nil, err
	}
	return &traffic.Decision{
		Session: r.Session,
		Hook:    hook,
		Blocked: r.Blocked,
		URL:     r.URL,
		Time:    r.CreatedAt,
	}, nil
}

// HistoryOptions 历史仓库选项
type HistoryOptions struct {
	// Retention 记录保留时长，0 表示永久保留
	Retention time.Duration
	// PruneEvery 清理间隔，默认一小时
	PruneEvery time.Duration
}

// History 决策历史仓库。Record 不阻塞，写入与过期清理由后台协程完成
type History struct {
	db   *gorm.DB
	log  logger.Logger
	opts HistoryOptions

	q       *queue.Unbounded[RequestRecord]
	stopped chan struct{}
}

// NewHistory 创建历史仓库并启动写入协程
func NewHistory(db *gorm.DB, l logger.Logger, opts HistoryOptions) *History {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.PruneEvery <= 0 {
		opts.PruneEvery = defaultPruneEvery
	}
	h := &History{
		db:      db,
		log:     l,
		opts:    opts,
		q:       queue.New[RequestRecord](),
		stopped: make(chan struct{}),
	}
	go h.writer()
	return h
}

// Record 入队一条决策，关闭后丢弃
func (h *History) Record(d *traffic.Decision) {
	if !h.q.Push(recordOf(d)) {
		h.log.Debug("历史仓库已关闭，丢弃决策", "url", d.URL)
	}
}

// Close 写完积压记录后返回
func (h *History) Close() {
	h.q.Close()
	<-h.stopped
}

func (h *History) writer() {
	defer close(h.stopped)

	var tick <-chan time.Time
	if h.opts.Retention > 0 {
		h.expire()
		t := time.NewTicker(h.opts.PruneEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-tick:
			h.expire()
		case <-h.q.Ready():
			closed := h.q.Closed()
			h.write(h.q.Drain())
			if closed {
				return
			}
		}
	}
}

// write 按会话分组写入，SQL 日志带上对应的会话ID
func (h *History) write(batch []RequestRecord) {
	if len(batch) == 0 {
		return
	}
	groups := lo.GroupBy(batch, func(r RequestRecord) string { return r.Session })
	for _, session := range lo.Uniq(lo.Map(batch, func(r RequestRecord, _ int) string { return r.Session })) {
		group := groups[session]
		ctx := WithSession(context.Background(), session)
		if err := h.db.WithContext(ctx).CreateInBatches(group, batchSize).Error; err != nil {
			h.log.Err(err, "写入决策历史失败", "session", session, "count", len(group))
		}
	}
}

// expire 删除超过保留时长的记录
func (h *History) expire() {
	n, err := h.Prune(context.Background(), time.Now().Add(-h.opts.Retention))
	if err != nil {
		h.log.Err(err, "清理过期决策历史失败")
		return
	}
	if n > 0 {
		h.log.Info("已清理过期决策历史", "count", n, "retention", h.opts.Retention)
	}
}

// Recent 按时间倒序返回最近的记录
func (h *History) Recent(ctx context.Context, limit int) ([]RequestRecord, error) {
	var out []RequestRecord
	err := h.db.WithContext(ctx).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query recent decisions: %w", err)
	}
	return out, nil
}

// HookStats 某拦截点的放行/阻止计数
type HookStats struct {
	Hook    string
	Blocked int64
	Passed  int64
}

// Stats 按拦截点汇总，session 为空时统计全部会话
func (h *History) Stats(ctx context.Context, session string) ([]HookStats, error) {
	var rows []struct {
		Hook    string
		Blocked bool
		Count   int64
	}
	tx := h.db.WithContext(ctx).Model(&RequestRecord{}).
		Select("hook, blocked, COUNT(*) AS count").
		Group("hook").Group("blocked").
		Order("hook")
	if session != "" {
		tx = tx.Where("session = ?", session)
	}
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query decision stats: %w", err)
	}

	var out []HookStats
	for _, r := range rows {
		if len(out) == 0 || out[len(out)-1].Hook != r.Hook {
			out = append(out, HookStats{Hook: r.Hook})
		}
		if r.Blocked {
			out[len(out)-1].Blocked = r.Count
		} else {
			out[len(out)-1].Passed = r.Count
		}
	}
	return out, nil
}

// Prune 删除 before 之前的记录，返回删除条数
func (h *History) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := h.db.WithContext(ctx).Where("created_at < ?", before).Delete(&RequestRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune decisions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
