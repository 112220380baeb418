package upgrade

import (
	"fmt"
	"time"
)

// The error taxonomy below separates what went wrong from what the
// operator should do next. Every fatal error string ends with a
// concrete remediation; RebootTimeoutError is the one non-fatal
// member and is surfaced as a warning.

// ConnectivityError means the device never answered on the command
// channel. Nothing on the device has been touched.
type ConnectivityError struct {
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("device %s unreachable: %v; verify power and cabling, then try: ssh -o HostKeyAlgorithms=+ssh-rsa root@%s",
		e.Addr, e.Err, e.Addr)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthError means the device answered but rejected the credentials.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v; re-check the password or reset it through the device's failsafe console", e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransferError means every delivery strategy was tried and none both
// completed and verified. There is no automatic retry beyond the chain
// itself: partial writes on a BusyBox target cannot be detected
// reliably, so re-running a failed strategy is unsafe.
type TransferError struct {
	Dest string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("could not deliver %s: %v; retry with --force-chunked, or copy the file out of band and re-run", e.Dest, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// VerificationError means the transferred bytes do not match the
// source, either in size or in content hash. The destination is never
// trusted partially.
type VerificationError struct {
	Path            string
	Want, Got       int64
	WantSHA, GotSHA string
}

func (e *VerificationError) Error() string {
	if e.WantSHA != "" && e.GotSHA != e.WantSHA {
		return fmt.Sprintf("verification failed for %s: remote sha256 %s, local %s (both %d bytes); the file was re-cleared, re-run to transfer again",
			e.Path, e.GotSHA, e.WantSHA, e.Want)
	}
	return fmt.Sprintf("verification failed for %s: remote %d bytes, local %d; the file was re-cleared, re-run to transfer again", e.Path, e.Got, e.Want)
}

// UpgradeExecutionError means the upgrade command itself failed while
// the channel was still alive, so the device is assumed unchanged.
type UpgradeExecutionError struct {
	Output string
	Err    error
}

func (e *UpgradeExecutionError) Error() string {
	return fmt.Sprintf("upgrade command failed before reboot (device unchanged): %v: %s; inspect the firmware image and device storage, then re-run", e.Err, e.Output)
}

func (e *UpgradeExecutionError) Unwrap() error { return e.Err }

// RebootTimeoutError means the device did not come back within the
// polling ceiling. It may still be mid-boot; this is a warning, not a
// failure.
type RebootTimeoutError struct {
	Ceiling time.Duration
}

func (e *RebootTimeoutError) Error() string {
	return fmt.Sprintf("device not reachable %s after reboot; it may still be booting; check it manually and confirm the upgrade through its web interface before the safety window closes", e.Ceiling)
}

// AbortError means the operator declined a confirmation prompt before
// the irreversible step.
type AbortError struct {
	Step string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted by operator before %s; no irreversible action was taken", e.Step)
}
