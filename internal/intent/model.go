package intent

import (
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of an ExitIntent.
type Status string

const (
	StatusActive    Status = "active"
	StatusPartial   Status = "partial" // some TPs filled, position still open
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// TimeStopAction selects what a fired time stop does with the position.
type TimeStopAction string

const (
	ActionExitFully      TimeStopAction = "exit_fully"
	ActionReduceToRunner TimeStopAction = "reduce_to_runner"
)

// reduceToRunnerPct is the share of the remainder sold when a time stop fires
// with ActionReduceToRunner; the rest is left to run.
const reduceToRunnerPct = 85.0

// TakeProfit is one rung of the TP ladder.
type TakeProfit struct {
	Level     int     `json:"level"`
	Price     float64 `json:"price"`
	SizePct   float64 `json:"size_pct"` // percent of the original quantity
	Filled    bool    `json:"filled"`
	FillPrice float64 `json:"fill_price,omitempty"`
	FillTime  int64   `json:"fill_time,omitempty"`
}

// StopLoss tracks the protective stop and its breakeven adjustment.
type StopLoss struct {
	Price         float64 `json:"price"`
	SizePct       float64 `json:"size_pct"` // percent of the remainder, normally 100
	Adjusted      bool    `json:"adjusted"` // true once moved to breakeven
	OriginalPrice float64 `json:"original_price"`
}

// TimeStop fires purely on wall-clock time, regardless of price.
type TimeStop struct {
	Deadline  int64          `json:"deadline"`
	Action    TimeStopAction `json:"action"`
	Triggered bool           `json:"triggered"`
}

// TrailingStop ratchets a stop level upward as price makes new highs.
type TrailingStop struct {
	Active       bool    `json:"active"`
	TrailPct     float64 `json:"trail_pct"`
	HighestPrice float64 `json:"highest_price"`
	CurrentStop  float64 `json:"current_stop"`
}

// ExitIntent is the aggregate root for one position's exit plan. It is created
// synchronously the moment an entry fill confirms and never deleted, only
// transitioned to completed or cancelled.
type ExitIntent struct {
	ID         string `json:"id"`
	PositionID string `json:"position_id"`
	Mint       string `json:"mint"`
	Symbol     string `json:"symbol"`

	// Entry facts, immutable after creation.
	EntryPrice       float64 `json:"entry_price"`
	EntryTime        int64   `json:"entry_time"`
	OriginalQuantity float64 `json:"original_quantity"`
	IsPaper          bool    `json:"is_paper"`
	Short            bool    `json:"short,omitempty"` // perps short: targets flip direction

	RemainingQuantity float64      `json:"remaining_quantity"`
	TakeProfits       []TakeProfit `json:"take_profits"`
	StopLoss          StopLoss     `json:"stop_loss"`
	TimeStop          TimeStop     `json:"time_stop"`
	TrailingStop      TrailingStop `json:"trailing_stop"`

	// BreakevenLevel is the TP level whose fill moves the stop to entry and
	// activates the trailing stop. Zero disables the adjustment.
	BreakevenLevel int `json:"breakeven_level"`

	Status Status `json:"status"`

	// PendingReconcile is set after an ambiguous execution outcome
	// (confirmation timeout). The engine stops evaluating the intent until
	// the external reconciler resolves whether the transaction landed.
	PendingReconcile bool `json:"pending_reconcile,omitempty"`

	LastCheckTime       int64   `json:"last_check_time"`
	LastCheckPrice      float64 `json:"last_check_price"`
	EnforcementAttempts int     `json:"enforcement_attempts"`
	EnforcementFailures int     `json:"enforcement_failures"`

	Notes string `json:"notes,omitempty"`
}

// Open reports whether the intent still needs trigger evaluation.
func (it *ExitIntent) Open() bool {
	return it.Status == StatusActive || it.Status == StatusPartial
}

// AnyTPFilled reports whether at least one ladder level has filled.
func (it *ExitIntent) AnyTPFilled() bool {
	for _, tp := range it.TakeProfits {
		if tp.Filled {
			return true
		}
	}
	return false
}

// AppendNote appends a note fragment, separated from earlier notes.
func (it *ExitIntent) AppendNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if it.Notes == "" {
		it.Notes = note
		return
	}
	it.Notes += "; " + note
}

var strategyIDPattern = regexp.MustCompile(`strategy=([A-Za-z0-9_-]+)`)

// ExtractStrategyID parses the strategy tag out of the free-text notes field.
// Returns "" when no tag is present.
func ExtractStrategyID(notes string) string {
	match := strategyIDPattern.FindStringSubmatch(notes)
	if match == nil {
		return ""
	}
	return match[1]
}

// MergeNotes joins non-empty note fragments.
func MergeNotes(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, "; ")
}

// Overdue reports whether the time stop deadline has passed.
func (ts TimeStop) Overdue(now time.Time) bool {
	return now.Unix() >= ts.Deadline
}
