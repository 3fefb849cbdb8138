package stops

import (
	"weekly-er-engine/internal/config"
)

// The policy functions are pure so the exact same math runs in replay and
// live mode.

// InitialStop computes the protective stop for a new entry. In fixed mode
// it sits fixedPct below the entry; in ATR mode it sits atrMult true ranges
// below. A missing ATR falls back to 1% of the entry price.
func InitialStop(entryPrice, atr float64, mode string, fixedPct, atrMult float64) float64 {
	if mode == "fixed" {
		return entryPrice * (1 - fixedPct)
	}
	if atr <= 0 {
		atr = 0.01 * entryPrice
	}
	return entryPrice - atrMult*atr
}

// ERLevel is the profit target at which the stop is ratcheted up to lock in
// gains.
func ERLevel(entryPrice, erPct float64) float64 {
	return entryPrice * (1 + erPct)
}

// CappedReturn clips a raw percent return to [-stopPct, +erPct]. Replay
// mode has no monitoring loop, so this single clip at the week's close
// approximates the live ratchet.
func CappedReturn(entryPrice, exitPrice, erPct, stopPct float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	ret := (exitPrice - entryPrice) / entryPrice * 100
	if ret >= erPct*100 {
		ret = erPct * 100
	}
	if ret <= -stopPct*100 {
		ret = -stopPct * 100
	}
	return ret
}

// TrailingCandidate returns the trail level implied by the entry: a percent
// offset or an ATR offset above the entry price. The ratchet applies the
// candidate only when lastPrice has reached it and it improves on the
// current trail (see ApplyRatchet).
func TrailingCandidate(entryPrice, atr float64, mode string, pct, atrMult float64) float64 {
	if mode == "percent" {
		return entryPrice * (1 + pct)
	}
	if atr <= 0 {
		return 0
	}
	return entryPrice + atrMult*atr
}

// ApplyRatchet decides whether the trail moves. Trail levels only ever move
// up: the candidate must be reached by the last price and exceed the
// current level.
func ApplyRatchet(candidate, lastPrice, currentTrail float64) (float64, bool) {
	if candidate > 0 && lastPrice >= candidate && candidate > currentTrail {
		return candidate, true
	}
	return currentTrail, false
}

// ProtectiveRaise fires once per position: when the last price first
// reaches the ER level and the target latch is still unset, the stop jumps
// to the ER level. The latch is one-way; callers set targetHit on a true
// return and never clear it.
func ProtectiveRaise(lastPrice, erLevel float64, targetHit bool) (newStop float64, raised bool) {
	if targetHit || erLevel <= 0 || lastPrice < erLevel {
		return 0, false
	}
	return erLevel, true
}

// ExpectedReturnFor derives the per-trade profit target percentage for a
// symbol: a per-symbol table entry, an ATR-scaled value floored at 0.5%, or
// the fixed default.
func ExpectedReturnFor(symbol string, price, atr float64, cfg config.ExpectedReturn) float64 {
	switch cfg.Mode {
	case "table":
		if er, ok := cfg.Table[symbol]; ok {
			return er
		}
	case "atr":
		if atr > 0 && price > 0 {
			er := cfg.ATRK * (atr / price)
			if er < 0.005 {
				er = 0.005
			}
			return er
		}
	}
	return cfg.FixedPct
}
