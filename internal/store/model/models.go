package model

import (
	"gorm.io/datatypes"
)

// ExitIntentModel is the current-state row for one exit intent. StateJSON is
// the authoritative encoding of the full intent; the scalar columns exist for
// indexing and for the status API.
type ExitIntentModel struct {
	ID                  string         `gorm:"column:id;primaryKey"`
	PositionID          string         `gorm:"column:position_id;index"`
	Mint                string         `gorm:"column:mint"`
	Symbol              string         `gorm:"column:symbol"`
	Status              string         `gorm:"column:status;index"`
	EntryPrice          float64        `gorm:"column:entry_price"`
	OriginalQuantity    float64        `gorm:"column:original_quantity"`
	RemainingQuantity   float64        `gorm:"column:remaining_quantity"`
	IsPaper             int            `gorm:"column:is_paper"`
	StateJSON           datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	LastCheckUnix       int64          `gorm:"column:last_check_at"`
	EnforcementAttempts int            `gorm:"column:enforcement_attempts"`
	EnforcementFailures int            `gorm:"column:enforcement_failures"`
	CreatedAtUnix       int64          `gorm:"column:created_at"`
	UpdatedAtUnix       int64          `gorm:"column:updated_at"`
}

func (ExitIntentModel) TableName() string { return "exit_intents" }
