package escrow

type settleAction int

const (
	actionProceed settleAction = iota
	actionReplay
	actionConflict
)

// classifySettlement is the single authoritative check for terminal fund
// movement: proceed from held, replay silently on the same terminal state,
// conflict on everything else. Release and refund are mutually exclusive by
// construction here.
func classifySettlement(current, want Status) settleAction {
	switch current {
	case StatusHeldInEscrow:
		return actionProceed
	case want:
		return actionReplay
	default:
		return actionConflict
	}
}

func verb(want Status) string {
	switch want {
	case StatusReleased:
		return "release"
	case StatusRefunded:
		return "refund"
	default:
		return string(want)
	}
}
