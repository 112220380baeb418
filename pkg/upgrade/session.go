package upgrade

import "time"

// Status tracks where a safe-upgrade session stands after the upgrade
// command has been issued.
type Status int

const (
	// StatusTesting: the device booted (or is booting) the new
	// partition provisionally and will revert unless confirmed.
	StatusTesting Status = iota
	// StatusConfirmed: the new firmware was confirmed inside the
	// window; the new partition is now the permanent boot target.
	StatusConfirmed
	// StatusRolledBack: the window elapsed without confirmation and
	// the device reverted to the previous partition.
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusTesting:
		return "testing"
	case StatusConfirmed:
		return "confirmed"
	case StatusRolledBack:
		return "rolled-back"
	}
	return "unknown"
}

// Session is created the instant the upgrade command is issued. The
// confirmation deadline is fixed before the device reboots: the
// device's own timeout-revert safeguard must keep working even if this
// process crashes, so confirmation is deliberately decoupled from the
// orchestrator.
type Session struct {
	ActivePartition   int
	PreviousPartition int
	ConfirmDeadline   time.Time
	Status            Status
}

// Remaining reports how much of the confirmation window is left. Zero
// or negative means the device has reverted (or is about to).
func (s *Session) Remaining(now time.Time) time.Duration {
	return s.ConfirmDeadline.Sub(now)
}

// Expired reports whether the confirmation window has closed. The
// deadline itself counts as expired: with nothing left of the window
// there is no time in which a confirmation could still land. Once
// expired, the session status becomes rolled-back unless it was
// already confirmed.
func (s *Session) Expired(now time.Time) bool {
	if s.Status == StatusConfirmed {
		return false
	}
	if !now.Before(s.ConfirmDeadline) {
		s.Status = StatusRolledBack
		return true
	}
	return false
}

// HelperState drives the idempotence short-circuit for the device-side
// safe-upgrade helper: when the installed hash already equals the
// pinned known-latest hash, no download, transfer, or network activity
// happens at all.
type HelperState struct {
	// InstalledHash is empty when the helper is absent on the device.
	InstalledHash string
	PinnedHash    string
	Bootstrapped  bool
}

// Current reports whether the device already runs the pinned helper.
func (h HelperState) Current() bool {
	return h.InstalledHash != "" && h.InstalledHash == h.PinnedHash
}
