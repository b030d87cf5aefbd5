package model

import (
	"time"

	"gorm.io/datatypes"
)

// HaltEventModel is the durable audit record of a kill-switch halt. Rows are
// append-only; the only mutation is the operator acknowledgment flag.
type HaltEventModel struct {
	ID                string         `gorm:"column:id;primaryKey"`
	Reason            string         `gorm:"column:reason;index"`
	TimestampUTC      time.Time      `gorm:"column:timestamp_utc;index"`
	EquityAtHaltUSD   float64        `gorm:"column:equity_at_halt_usd"`
	IncompleteFlatten bool           `gorm:"column:incomplete_flatten"`
	Acknowledged      bool           `gorm:"column:acknowledged;index"`
	AcknowledgedAt    int64          `gorm:"column:acknowledged_at"`
	Details           datatypes.JSON `gorm:"column:details;type:TEXT"`
	CreatedAtUnix     int64          `gorm:"column:created_at;autoCreateTime"`
}

func (HaltEventModel) TableName() string { return "halt_events" }
