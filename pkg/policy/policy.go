// Package policy decides what a subscriber's fair-usage state should be
// and which enforcement action, if any, realizes it on the NAS. It is
// pure decision logic: no I/O, no clock, no persistence.
package policy

// State is the fair-usage state of a subscriber within one billing period.
type State string

const (
	StateNormal    State = "normal"
	StateWarning   State = "warning"
	StateThrottled State = "throttled"
)

// Usage thresholds as a percentage of quota.
const (
	WarningPercent  = 80.0
	ThrottlePercent = 100.0
)

// ActionType identifies the NAS-side enforcement required by a decision.
type ActionType string

const (
	ActionNone       ActionType = "none"
	ActionApplySpeed ActionType = "apply_speed"
	ActionDisconnect ActionType = "disconnect"
)

// Action pairs an action type with the speed to apply, when relevant.
type Action struct {
	Type  ActionType
	Speed Speed
}

// Input carries everything Evaluate needs to make a decision.
type Input struct {
	TotalBytes uint64
	QuotaBytes uint64 // 0 = unlimited
	Current    State
	Normal     Speed // package normal speed, used when leaving Throttled
	Throttled  Speed // package throttled speed, used when entering Throttled

	// AppliedSpeed is the speed last confirmed by the NAS (the directory
	// cache, updated only on ACK). While it disagrees with the speed the
	// current state requires, the NAS missed a change and the dispatch is
	// re-issued.
	AppliedSpeed Speed

	// ForceSync re-issues the speed change even when AppliedSpeed already
	// matches, to re-sync a NAS whose state may be stale.
	ForceSync bool
}

// Decision is the outcome of one evaluation.
type Decision struct {
	State   State
	Action  Action
	Percent float64
}

// Evaluate maps usage against quota to a target state and enforcement
// action.
//
// Transitions:
//   - quota 0 is unlimited and always Normal; a subscriber still carrying
//     a stale throttle on the NAS gets ApplySpeed(normal) to restore it
//   - usage < 80% of quota is Normal, [80%, 100%) is Warning; both are
//     informational and carry no action
//   - crossing 100% from a non-Throttled state enters Throttled and
//     requires ApplySpeed(throttled)
//   - re-evaluating an already-Throttled subscriber yields ApplySpeed
//     while AppliedSpeed still differs from the throttled speed (the NAS
//     missed an earlier change), and no action once they match, unless
//     ForceSync is set
//   - Throttled is only left via the monthly reset, never by usage
//     decreasing within a period
//
// Disconnect is never produced by a quota breach; it is a separate,
// explicitly requested command.
func Evaluate(in Input) Decision {
	if in.QuotaBytes == 0 {
		d := Decision{State: StateNormal, Action: Action{Type: ActionNone}}
		if !in.Normal.IsZero() && in.AppliedSpeed != in.Normal {
			d.Action = Action{Type: ActionApplySpeed, Speed: in.Normal}
		}
		return d
	}

	percent := float64(in.TotalBytes) / float64(in.QuotaBytes) * 100

	if in.Current == StateThrottled {
		d := Decision{State: StateThrottled, Action: Action{Type: ActionNone}, Percent: percent}
		if in.ForceSync || in.AppliedSpeed != in.Throttled {
			d.Action = Action{Type: ActionApplySpeed, Speed: in.Throttled}
		}
		return d
	}

	switch {
	case percent >= ThrottlePercent:
		return Decision{
			State:   StateThrottled,
			Action:  Action{Type: ActionApplySpeed, Speed: in.Throttled},
			Percent: percent,
		}
	case percent >= WarningPercent:
		return Decision{State: StateWarning, Action: Action{Type: ActionNone}, Percent: percent}
	default:
		return Decision{State: StateNormal, Action: Action{Type: ActionNone}, Percent: percent}
	}
}
