package models

// Outcome is the per-attempt disposition a handler asks the broker for.
type Outcome int

const (
	// Commit acknowledges the delivery; the message is terminally disposed.
	Commit Outcome = iota + 1
	// ForceRedeliver rejects the delivery so the broker presents it again.
	ForceRedeliver
)

func (o Outcome) String() string {
	switch o {
	case Commit:
		return "commit"
	case ForceRedeliver:
		return "force-redeliver"
	default:
		return "none"
	}
}
