package intent

import (
	"time"
)

// TriggerKind identifies which rule fired.
type TriggerKind string

const (
	TriggerTimeStop     TriggerKind = "time_stop"
	TriggerStopLoss     TriggerKind = "stop_loss"
	TriggerTakeProfit   TriggerKind = "take_profit"
	TriggerTrailingStop TriggerKind = "trailing_stop"
)

// Trigger is a single exit decision produced by one evaluation cycle. At most
// one trigger fires per intent per cycle.
type Trigger struct {
	Kind        TriggerKind
	Level       int     // TP level, zero otherwise
	SizePct     float64 // percent of the remaining quantity to sell
	Price       float64 // price observed when the trigger fired
	TargetPrice float64 // configured target/stop level
	Reason      string
}

// Evaluate checks an intent's trigger conditions against the current price in
// fixed priority order: time stop, stop loss, take profit, trailing stop.
// The first matching rule wins. Evaluation updates bookkeeping fields and the
// trailing-stop high-water mark but never marks levels filled; fills are
// applied by ApplyFill only after the execution succeeds.
//
// Completed and cancelled intents are returned untouched.
func Evaluate(it *ExitIntent, price float64, now time.Time) *Trigger {
	if !it.Open() {
		return nil
	}

	it.LastCheckTime = now.Unix()
	it.LastCheckPrice = price
	it.EnforcementAttempts++

	// Time stop fires on wall-clock alone, even when the price feed never
	// reached any target and even when the deadline passed while the engine
	// was down.
	if !it.TimeStop.Triggered && it.TimeStop.Overdue(now) && it.RemainingQuantity > 0 {
		sizePct := 100.0
		if it.TimeStop.Action == ActionReduceToRunner {
			sizePct = reduceToRunnerPct
		}
		return &Trigger{
			Kind:        TriggerTimeStop,
			SizePct:     sizePct,
			Price:       price,
			TargetPrice: float64(it.TimeStop.Deadline),
			Reason:      string(it.TimeStop.Action),
		}
	}

	if price <= 0 {
		// No usable price this cycle; only the time stop can fire.
		return nil
	}

	if stopHit(it.Short, price, it.StopLoss.Price) {
		return &Trigger{
			Kind:        TriggerStopLoss,
			SizePct:     it.StopLoss.SizePct,
			Price:       price,
			TargetPrice: it.StopLoss.Price,
			Reason:      "stop_loss",
		}
	}

	// Take profits fill strictly in ladder order: only the lowest unfilled
	// level is eligible, so a later level can never fill first.
	for _, tp := range it.TakeProfits {
		if tp.Filled {
			continue
		}
		if targetHit(it.Short, price, tp.Price) {
			return &Trigger{
				Kind:        TriggerTakeProfit,
				Level:       tp.Level,
				SizePct:     sizePctOfRemaining(it, tp.SizePct),
				Price:       price,
				TargetPrice: tp.Price,
				Reason:      "take_profit",
			}
		}
		break
	}

	if it.TrailingStop.Active {
		ratchetTrailingStop(it, price)
		if stopHit(it.Short, price, it.TrailingStop.CurrentStop) {
			return &Trigger{
				Kind:        TriggerTrailingStop,
				SizePct:     100,
				Price:       price,
				TargetPrice: it.TrailingStop.CurrentStop,
				Reason:      "trailing_stop",
			}
		}
	}

	return nil
}

// ApplyFill records a successful execution of a trigger: decrements the
// remaining quantity, marks the matched level, applies the breakeven
// adjustment, and transitions the status. Idempotent side effects (breakeven,
// trailing activation) are guarded by their flags.
func ApplyFill(it *ExitIntent, trig *Trigger, fillPrice float64, now time.Time) {
	if trig == nil || !it.Open() {
		return
	}

	qty := quantityFor(it.RemainingQuantity, trig.SizePct)
	it.RemainingQuantity = subtractQuantity(it.RemainingQuantity, qty)

	switch trig.Kind {
	case TriggerTakeProfit:
		for i := range it.TakeProfits {
			tp := &it.TakeProfits[i]
			if tp.Level != trig.Level || tp.Filled {
				continue
			}
			tp.Filled = true
			tp.FillPrice = fillPrice
			tp.FillTime = now.Unix()
			if tp.Level == it.BreakevenLevel && it.BreakevenLevel > 0 && !it.StopLoss.Adjusted {
				it.StopLoss.OriginalPrice = it.StopLoss.Price
				it.StopLoss.Price = it.EntryPrice
				it.StopLoss.Adjusted = true
			}
			if tp.Level >= it.BreakevenLevel && it.BreakevenLevel > 0 && !it.TrailingStop.Active {
				activateTrailingStop(it, fillPrice)
			}
		}
	case TriggerTimeStop:
		it.TimeStop.Triggered = true
	case TriggerStopLoss, TriggerTrailingStop:
		// Stop fills carry no per-level state beyond the quantity change.
	}

	if it.RemainingQuantity <= 0 {
		it.RemainingQuantity = 0
		it.Status = StatusCompleted
	} else if it.AnyTPFilled() || it.TimeStop.Triggered {
		it.Status = StatusPartial
	}
}

func activateTrailingStop(it *ExitIntent, price float64) {
	it.TrailingStop.Active = true
	it.TrailingStop.HighestPrice = price
	it.TrailingStop.CurrentStop = relativeTarget(price, -it.TrailingStop.TrailPct, it.Short)
}

func ratchetTrailingStop(it *ExitIntent, price float64) {
	if it.Short {
		if price < it.TrailingStop.HighestPrice {
			it.TrailingStop.HighestPrice = price
			it.TrailingStop.CurrentStop = relativeTarget(price, -it.TrailingStop.TrailPct, true)
		}
		return
	}
	if price > it.TrailingStop.HighestPrice {
		it.TrailingStop.HighestPrice = price
		it.TrailingStop.CurrentStop = relativeTarget(price, -it.TrailingStop.TrailPct, false)
	}
}

// stopHit reports whether price breached a protective stop level.
func stopHit(short bool, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if short {
		return decimalGTE(price, stop)
	}
	return decimalLTE(price, stop)
}

// targetHit reports whether price reached a profit target.
func targetHit(short bool, price, target float64) bool {
	if target <= 0 {
		return false
	}
	if short {
		return decimalLTE(price, target)
	}
	return decimalGTE(price, target)
}

// sizePctOfRemaining converts a TP's share of the original quantity into a
// share of what is currently left, so partial fills stay consistent with the
// ladder (sum of filled size_pct plus remaining/original stays 100%).
func sizePctOfRemaining(it *ExitIntent, sizePctOfOriginal float64) float64 {
	if it.OriginalQuantity <= 0 || it.RemainingQuantity <= 0 {
		return 0
	}
	qty := quantityFor(it.OriginalQuantity, sizePctOfOriginal)
	if qty >= it.RemainingQuantity {
		return 100
	}
	pct := decFromFloat(qty).Div(decFromFloat(it.RemainingQuantity)).Mul(decHundred)
	return decToFloat(pct)
}
