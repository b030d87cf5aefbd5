// Package sqlite persists the halt audit trail. A halt written here survives
// a process restart, which is what keeps the kill switch latched: live
// sessions refuse to start while an unacknowledged halt row exists.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Leraiman/trading-bot/internal/engine"
	"github.com/Leraiman/trading-bot/internal/store/model"
)

// Store implements engine.HaltSink on SQLite via Gorm.
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit store: path must not be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.HaltEventModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for concurrent HTTP reads while
	// keeping lock contention low
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendHalt writes one immutable halt record.
func (s *Store) AppendHalt(ctx context.Context, evt engine.HaltEvent) error {
	details, err := json.Marshal(map[string]any{"detail": evt.Detail})
	if err != nil {
		details = []byte(`{}`)
	}
	row := model.HaltEventModel{
		ID:                evt.ID,
		Reason:            string(evt.Reason),
		TimestampUTC:      evt.TimestampUTC.UTC(),
		EquityAtHaltUSD:   evt.EquityAtHaltUSD.InexactFloat64(),
		IncompleteFlatten: evt.IncompleteFlatten,
		Details:           datatypes.JSON(details),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// HasOpenHalt reports whether any halt is still awaiting acknowledgment.
func (s *Store) HasOpenHalt(ctx context.Context) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.HaltEventModel{}).
		Where("acknowledged = ?", false).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AcknowledgeHalts marks every open halt as resolved and returns the number
// of rows touched.
func (s *Store) AcknowledgeHalts(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&model.HaltEventModel{}).
		Where("acknowledged = ?", false).
		Updates(map[string]any{
			"acknowledged":    true,
			"acknowledged_at": time.Now().Unix(),
		})
	return res.RowsAffected, res.Error
}

// HaltRecord is the API projection of a stored halt event.
type HaltRecord struct {
	ID                string          `json:"id"`
	Reason            string          `json:"reason"`
	TimestampUTC      time.Time       `json:"timestamp_utc"`
	EquityAtHaltUSD   float64         `json:"equity_at_halt_usd"`
	IncompleteFlatten bool            `json:"incomplete_flatten"`
	Acknowledged      bool            `json:"acknowledged"`
	Details           json.RawMessage `json:"details,omitempty"`
}

// ListHalts returns the most recent halt events, newest first.
func (s *Store) ListHalts(ctx context.Context, limit int) ([]HaltRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []model.HaltEventModel
	err := s.db.WithContext(ctx).
		Order("timestamp_utc DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]HaltRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, HaltRecord{
			ID:                r.ID,
			Reason:            r.Reason,
			TimestampUTC:      r.TimestampUTC,
			EquityAtHaltUSD:   r.EquityAtHaltUSD,
			IncompleteFlatten: r.IncompleteFlatten,
			Acknowledged:      r.Acknowledged,
			Details:           json.RawMessage(r.Details),
		})
	}
	return out, nil
}

var _ engine.HaltSink = (*Store)(nil)

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
