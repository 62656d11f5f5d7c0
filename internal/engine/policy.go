package engine

import (
	"fmt"
	"math"

	"nifty-terminal/internal/config"
	"nifty-terminal/internal/models"
)

// ActionKind identifies the defensive action the policy selected.
type ActionKind string

const (
	ActionNone          ActionKind = "NONE"
	ActionAddHedge      ActionKind = "ADD_HEDGE"
	ActionRollLeg       ActionKind = "ROLL_LEG"
	ActionForceCloseAll ActionKind = "FORCE_CLOSE_ALL"
)

// Action is the policy's decision. For ROLL_LEG, TargetLeg names the leg to
// roll and TargetDelta the delta of its replacement strike. For ADD_HEDGE,
// HedgeType names the side to hedge.
type Action struct {
	Kind        ActionKind
	Reason      string
	TargetLeg   models.OptionType
	TargetDelta float64
	HedgeType   models.OptionType
	NewLevel    int
}

// Thresholds are the gamma-defence limits the policy decides against.
// They come from configuration, never hardcoded here.
type Thresholds struct {
	SoftDeltaLimit  float64
	HardDeltaLimit  float64
	GammaLimit      float64
	MaxAdjustments  int
	RollDeltaTarget float64
	HedgeDeltaTarget float64
}

// ThresholdsFromConfig extracts the policy thresholds from strategy config.
func ThresholdsFromConfig(cfg config.StrategyConfig) Thresholds {
	return Thresholds{
		SoftDeltaLimit:   cfg.SoftDeltaLimit,
		HardDeltaLimit:   cfg.HardDeltaLimit,
		GammaLimit:       cfg.GammaLimit,
		MaxAdjustments:   cfg.MaxAdjustments,
		RollDeltaTarget:  cfg.RollDeltaTarget,
		HedgeDeltaTarget: cfg.HedgeDeltaTarget,
	}
}

// AdjustmentPolicy decides the defensive action for a book state. It is a
// pure function of its inputs; the same view, thresholds and phase always
// produce the same action.
type AdjustmentPolicy struct{}

// Decide evaluates the escalation rules in priority order and returns the
// first match:
//
//  1. force-close window -> close everything ("scheduled")
//  2. |net delta| > hard limit -> close everything ("delta breach"),
//     never blocked by the adjustment cap
//  3. |net delta| > soft limit and level below cap -> roll the tested leg
//     towards the roll delta target, level+1
//  4. gamma score above limit and level below cap -> add a hedge on the
//     tested side, level+1
//  5. otherwise no action
//
// An empty book only ever yields the scheduled close.
func (AdjustmentPolicy) Decide(view BookView, th Thresholds, phase Phase) Action {
	if phase == PhaseForceCloseWindow {
		if view.LegCount == 0 {
			return Action{Kind: ActionNone}
		}
		return Action{Kind: ActionForceCloseAll, Reason: "scheduled"}
	}

	if view.LegCount == 0 {
		return Action{Kind: ActionNone}
	}

	absDelta := math.Abs(view.NetDelta)

	if absDelta > th.HardDeltaLimit {
		return Action{
			Kind:   ActionForceCloseAll,
			Reason: fmt.Sprintf("delta breach: |%.2f| > %.2f", view.NetDelta, th.HardDeltaLimit),
		}
	}

	if view.AdjustmentLevel >= th.MaxAdjustments {
		// Level capped: only the hard limit above can exit.
		return Action{Kind: ActionNone}
	}

	if absDelta > th.SoftDeltaLimit {
		return Action{
			Kind:        ActionRollLeg,
			Reason:      fmt.Sprintf("soft delta breach: |%.2f| > %.2f", view.NetDelta, th.SoftDeltaLimit),
			TargetLeg:   testedLeg(view.NetDelta),
			TargetDelta: th.RollDeltaTarget,
			NewLevel:    view.AdjustmentLevel + 1,
		}
	}

	if view.GammaScore > th.GammaLimit {
		return Action{
			Kind:      ActionAddHedge,
			Reason:    fmt.Sprintf("gamma score %.1f > %.1f", view.GammaScore, th.GammaLimit),
			HedgeType: testedLeg(view.NetDelta),
			NewLevel:  view.AdjustmentLevel + 1,
		}
	}

	return Action{Kind: ActionNone}
}

// testedLeg maps the sign of the net delta to the leg under pressure. A
// short strangle goes delta-negative when spot rallies into the call side
// and delta-positive when it sells off into the put side.
func testedLeg(netDelta float64) models.OptionType {
	if netDelta < 0 {
		return models.OptionCall
	}
	return models.OptionPut
}
