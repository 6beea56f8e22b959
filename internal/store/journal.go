package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"ztrade/internal/logger"
)

// Event kinds written to the audit journal.
const (
	KindSignalProduced    = "signal_produced"
	KindIntentApproved    = "intent_approved"
	KindIntentRejected    = "intent_rejected"
	KindOrderTransition   = "order_transition"
	KindFillApplied       = "fill_applied"
	KindInstanceLifecycle = "instance_lifecycle"
	KindDataQuality       = "data_quality"
	KindDivergence        = "divergence"
)

// Event is one append-only journal row.
type Event struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Kind       string    `gorm:"size:32;index;not null"`
	StrategyID string    `gorm:"size:64;index"`
	Symbol     string    `gorm:"size:32"`
	RefID      string    `gorm:"size:128;index"`
	Payload    string    `gorm:"type:text"`
	At         time.Time `gorm:"index;not null"`
}

func (Event) TableName() string { return "events" }

// Journal is the append-only audit store. Writes are queued and flushed
// by a background writer so the hot path never blocks on sqlite; when
// the queue is full the event is counted and dropped rather than
// stalling trading.
type Journal struct {
	db      *gorm.DB
	queue   chan Event
	quit    chan struct{}
	dropped atomic.Uint64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Open opens (or creates) the journal database at path and starts the
// background writer. WAL keeps readers off the writer's back.
func Open(path string, queueSize int) (*Journal, error) {
	if queueSize <= 0 {
		queueSize = 1024
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	j := &Journal{db: db, queue: make(chan Event, queueSize), quit: make(chan struct{})}
	j.wg.Add(1)
	go j.writer()
	return j, nil
}

// Append queues one event. payload is JSON-encoded; a nil payload
// writes an empty object. Never blocks.
func (j *Journal) Append(kind, strategyID, symbol, refID string, payload any) {
	if j.closed.Load() {
		return
	}
	body := "{}"
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			body = string(b)
		}
	}
	ev := Event{
		Kind:       kind,
		StrategyID: strategyID,
		Symbol:     symbol,
		RefID:      refID,
		Payload:    body,
		At:         time.Now(),
	}
	select {
	case j.queue <- ev:
	default:
		if n := j.dropped.Add(1); n%100 == 1 {
			logger.Warnw("journal queue full", "dropped", n)
		}
	}
}

// Dropped reports how many events were lost to queue overflow.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) writer() {
	defer j.wg.Done()
	batch := make([]Event, 0, 64)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.db.Create(&batch).Error; err != nil {
			logger.Errorf("journal: write of %d events failed: %v", len(batch), err)
		}
		batch = batch[:0]
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case ev := <-j.queue:
			batch = append(batch, ev)
			if len(batch) >= cap(batch) {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-j.quit:
			// drain whatever is already queued, then stop; the queue
			// itself stays open so a racing Append cannot panic
			for {
				select {
				case ev := <-j.queue:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Recent returns up to limit newest events, optionally filtered by
// kind and strategy.
func (j *Journal) Recent(limit int, kind, strategyID string) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := j.db.Order("id desc").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if strategyID != "" {
		q = q.Where("strategy_id = ?", strategyID)
	}
	var out []Event
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Close stops accepting events, flushes the queue and shuts the writer
// down.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(j.quit)
	j.wg.Wait()
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
