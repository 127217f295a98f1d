package intent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LadderParams configures the default TP ladder for a new intent. Zero values
// fall back to the momentum-scalp template: 60% @ +8%, 25% @ +18%, 15% @ +40%,
// SL -9%, time stop 90 minutes, 5% trail after TP1.
type LadderParams struct {
	TP1Pct  float64
	TP1Size float64
	TP2Pct  float64
	TP2Size float64
	TP3Pct  float64
	TP3Size float64

	SLPct    float64
	TrailPct float64

	TimeStopAfter  time.Duration
	TimeStopAction TimeStopAction

	// BreakevenLevel is the TP level that moves the stop to entry. Negative
	// disables the adjustment; zero means the default (TP1).
	BreakevenLevel int

	StrategyID string
	Notes      string
	IsPaper    bool
}

func (p *LadderParams) applyDefaults() {
	if p.TP1Pct == 0 {
		p.TP1Pct = 0.08
	}
	if p.TP1Size == 0 {
		p.TP1Size = 0.60
	}
	if p.TP2Pct == 0 {
		p.TP2Pct = 0.18
	}
	if p.TP2Size == 0 {
		p.TP2Size = 0.25
	}
	if p.TP3Pct == 0 {
		p.TP3Pct = 0.40
	}
	if p.TP3Size == 0 {
		p.TP3Size = 0.15
	}
	if p.SLPct == 0 {
		p.SLPct = 0.09
	}
	if p.TrailPct == 0 {
		p.TrailPct = 0.05
	}
	if p.TimeStopAfter == 0 {
		p.TimeStopAfter = 90 * time.Minute
	}
	if p.TimeStopAction == "" {
		p.TimeStopAction = ActionExitFully
	}
	if p.BreakevenLevel == 0 {
		p.BreakevenLevel = 1
	}
}

// NewSpotIntent builds an exit intent for a spot position. The caller must
// persist it before treating the position as protected.
func NewSpotIntent(positionID, mint, symbol string, entryPrice, quantity float64, params LadderParams) (*ExitIntent, error) {
	if strings.TrimSpace(positionID) == "" {
		return nil, fmt.Errorf("intent: position id required")
	}
	if strings.TrimSpace(mint) == "" {
		return nil, fmt.Errorf("intent: mint required")
	}
	if entryPrice <= 0 {
		return nil, fmt.Errorf("intent: entry price must be positive, got %v", entryPrice)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("intent: quantity must be positive, got %v", quantity)
	}
	params.applyDefaults()
	now := time.Now()

	slPrice := relativeTarget(entryPrice, -params.SLPct, false)
	it := &ExitIntent{
		ID:                shortID(),
		PositionID:        positionID,
		Mint:              mint,
		Symbol:            symbol,
		EntryPrice:        entryPrice,
		EntryTime:         now.Unix(),
		OriginalQuantity:  quantity,
		RemainingQuantity: quantity,
		IsPaper:           params.IsPaper,
		TakeProfits: []TakeProfit{
			{Level: 1, Price: relativeTarget(entryPrice, params.TP1Pct, false), SizePct: params.TP1Size * 100},
			{Level: 2, Price: relativeTarget(entryPrice, params.TP2Pct, false), SizePct: params.TP2Size * 100},
			{Level: 3, Price: relativeTarget(entryPrice, params.TP3Pct, false), SizePct: params.TP3Size * 100},
		},
		StopLoss: StopLoss{
			Price:         slPrice,
			SizePct:       100,
			OriginalPrice: slPrice,
		},
		TimeStop: TimeStop{
			Deadline: now.Add(params.TimeStopAfter).Unix(),
			Action:   params.TimeStopAction,
		},
		TrailingStop: TrailingStop{
			TrailPct:     params.TrailPct,
			HighestPrice: entryPrice,
		},
		BreakevenLevel: normalizeBreakevenLevel(params.BreakevenLevel),
		Status:         StatusActive,
	}
	if params.StrategyID != "" {
		it.Notes = MergeNotes("strategy="+params.StrategyID, params.Notes)
	} else {
		it.Notes = MergeNotes(params.Notes)
	}
	return it, nil
}

// NewPerpsIntent builds an exit intent for a leveraged perps position. Targets
// flip direction for shorts; defaults are tighter than spot.
func NewPerpsIntent(positionID, asset, direction string, entryPrice, quantity, leverage, liquidationPrice float64, params LadderParams) (*ExitIntent, error) {
	direction = strings.ToLower(strings.TrimSpace(direction))
	if direction != "long" && direction != "short" {
		return nil, fmt.Errorf("intent: direction must be long or short, got %q", direction)
	}
	if params.TP1Pct == 0 {
		params.TP1Pct = 0.04
	}
	if params.TP1Size == 0 {
		params.TP1Size = 0.50
	}
	if params.TP2Pct == 0 {
		params.TP2Pct = 0.08
	}
	if params.TP2Size == 0 {
		params.TP2Size = 0.30
	}
	if params.TP3Pct == 0 {
		params.TP3Pct = 0.15
	}
	if params.TP3Size == 0 {
		params.TP3Size = 0.20
	}
	if params.SLPct == 0 {
		params.SLPct = 0.03
	}
	if params.TrailPct == 0 {
		params.TrailPct = 0.03
	}
	if params.TimeStopAfter == 0 {
		params.TimeStopAfter = 60 * time.Minute
	}

	symbol := fmt.Sprintf("%s-PERP-%s", strings.ToUpper(asset), strings.ToUpper(direction))
	it, err := NewSpotIntent(positionID, asset, symbol, entryPrice, quantity, params)
	if err != nil {
		return nil, err
	}
	if direction == "short" {
		it.Short = true
		for i := range it.TakeProfits {
			pct := []float64{params.TP1Pct, params.TP2Pct, params.TP3Pct}[i]
			it.TakeProfits[i].Price = relativeTarget(entryPrice, -pct, false)
		}
		slPrice := relativeTarget(entryPrice, params.SLPct, false)
		it.StopLoss.Price = slPrice
		it.StopLoss.OriginalPrice = slPrice
	}
	it.AppendNote(fmt.Sprintf("leverage=%gx, liq_price=%.4f, direction=%s", leverage, liquidationPrice, direction))
	return it, nil
}

func normalizeBreakevenLevel(level int) int {
	if level < 0 {
		return 0
	}
	return level
}

func shortID() string {
	return uuid.NewString()[:8]
}
