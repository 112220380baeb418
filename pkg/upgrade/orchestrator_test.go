package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/fwpush/pkg/sshx"
)

var helperScript = []byte("#!/bin/sh\n# safe-upgrade helper\nexit 0\n")

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeClock makes now/sleep deterministic: sleeping advances time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) install(o *Orchestrator) {
	o.now = func() time.Time { return c.t }
	o.sleep = func(ctx context.Context, d time.Duration) { c.t = c.t.Add(d) }
}

func testOrchestrator(t *testing.T, dev *fakeDev, opts Options) (*Orchestrator, *fakeClock) {
	t.Helper()
	opts.Device = dev
	opts.DeviceAddr = "10.13.0.1"
	opts.Log = zap.NewNop().Sugar()
	opts.Transfer.Log = opts.Log
	if opts.Reconnect == nil {
		opts.Reconnect = func(ctx context.Context) (sshx.Runner, error) {
			return nil, fmt.Errorf("no reconnect in this test")
		}
	}
	o := New(opts)
	clock := &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	clock.install(o)
	return o, clock
}

// Idempotence: an up-to-date helper and no firmware means zero
// downloads, zero transfers, and a clean exit.
func TestHelperUpToDateShortCircuits(t *testing.T) {
	dev := newFakeDev()
	dev.files[DefaultHelperDest] = helperScript

	fetches := 0
	o, _ := testOrchestrator(t, dev, Options{
		HelperSHA256: sha256Hex(helperScript),
		FetchHelper: func(ctx context.Context) (string, error) {
			fetches++
			return "", fmt.Errorf("must not be called")
		},
	})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateDone {
		t.Errorf("final state = %s, want done", report.FinalState)
	}
	if !report.HelperUpToDate {
		t.Error("report should mark the helper up to date")
	}
	if fetches != 0 {
		t.Errorf("helper fetched %d times, want 0", fetches)
	}
	for _, cmd := range dev.cmds {
		if strings.HasPrefix(cmd, "printf") || strings.HasPrefix(cmd, "base64") || strings.HasPrefix(cmd, "wget") {
			t.Errorf("up-to-date run must issue no transfer commands, saw %q", cmd)
		}
	}
}

// Stale helper on a minimal device: fetched locally, delivered via the
// chunked fallback, moved into place, and hash-verified.
func TestHelperInstall(t *testing.T) {
	dev := newFakeDev()
	dev.bootstrapped = false
	helperLocal := writeTemp(t, "safe-upgrade", helperScript)

	o, _ := testOrchestrator(t, dev, Options{
		HelperSHA256: sha256Hex(helperScript),
		FetchHelper: func(ctx context.Context) (string, error) {
			return helperLocal, nil
		},
	})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.HelperStrategy != "chunked-hex" {
		t.Errorf("helper strategy = %q, want chunked-hex", report.HelperStrategy)
	}
	if string(dev.files[DefaultHelperDest]) != string(helperScript) {
		t.Error("helper content on device differs from source")
	}
	if _, staged := dev.files["/tmp/safe-upgrade"]; staged {
		t.Error("staging file should be gone after install")
	}
}

// Full run: current helper, firmware supplied, reboot, auto-confirm.
func TestFullUpgradeRun(t *testing.T) {
	firmware := make([]byte, 2000)
	for i := range firmware {
		firmware[i] = byte(i)
	}

	dev := newFakeDev()
	dev.files[DefaultHelperDest] = helperScript
	dev.curPart = 2

	rebooted := newFakeDev()
	rebooted.files[DefaultHelperDest] = helperScript
	rebooted.curPart = 1

	o, _ := testOrchestrator(t, dev, Options{
		HelperSHA256: sha256Hex(helperScript),
		FirmwarePath: writeTemp(t, "fw.bin", firmware),
		ChunkSize:    512,
		BatchSize:    5,
		AutoConfirm:  true,
		Reconnect: func(ctx context.Context) (sshx.Runner, error) {
			return rebooted, nil
		},
	})

	report, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.FinalState != StateDone {
		t.Errorf("final state = %s, want done", report.FinalState)
	}
	if report.FirmwareStrategy != "chunked-hex" {
		t.Errorf("firmware strategy = %q, want chunked-hex", report.FirmwareStrategy)
	}
	if len(dev.files[DefaultFirmwareDest]) != 2000 {
		t.Errorf("staged firmware size = %d, want 2000", len(dev.files[DefaultFirmwareDest]))
	}
	if report.Session == nil {
		t.Fatal("session missing from report")
	}
	if report.Session.Status != StatusConfirmed {
		t.Errorf("session status = %s, want confirmed", report.Session.Status)
	}
	if report.Session.ActivePartition != 1 || report.Session.PreviousPartition != 2 {
		t.Errorf("partitions = %d/%d, want 1/2",
			report.Session.ActivePartition, report.Session.PreviousPartition)
	}
	if rebooted.status != "confirmed" {
		t.Error("device-side state should be confirmed")
	}
}

// A channel that dies during the helper check must fail the run, not
// masquerade as a stale helper and start a doomed transfer.
func TestChannelLossDuringHelperCheckIsFatal(t *testing.T) {
	dev := newFakeDev()
	dev.alive = false

	o, _ := testOrchestrator(t, dev, Options{HelperSHA256: sha256Hex(helperScript)})
	if ev := o.doCheckHelper(context.Background()); ev != EvConnectFailed {
		t.Fatalf("event = %v, want connect-failed", ev)
	}
	var ce *ConnectivityError
	if !errors.As(o.err, &ce) {
		t.Fatalf("error = %T, want ConnectivityError", o.err)
	}
	if s, _ := Next(StateCheckHelperVersion, EvConnectFailed); s != StateFailed {
		t.Errorf("next state = %s, want failed", s)
	}
}

// Equal sizes with different content: the error must name the hashes,
// not report a byte-count mismatch that does not exist.
func TestDeviceHashMismatchNamesHashes(t *testing.T) {
	local := []byte("genuine firmware")
	tampered := []byte("ithered firmware")

	dev := newFakeDev()
	dev.files[DefaultFirmwareDest] = tampered

	o, _ := testOrchestrator(t, dev, Options{})
	o.fwSize = int64(len(local))
	o.fwSHA = sha256Hex(local)

	if ev := o.doVerifyFirmwareOnDevice(context.Background()); ev != EvVerifyFailed {
		t.Fatalf("event = %v, want verify-failed", ev)
	}
	var ve *VerificationError
	if !errors.As(o.err, &ve) {
		t.Fatalf("error = %T, want VerificationError", o.err)
	}
	if ve.WantSHA != sha256Hex(local) || ve.GotSHA != sha256Hex(tampered) {
		t.Errorf("hashes = %s/%s, want %s/%s",
			ve.WantSHA, ve.GotSHA, sha256Hex(local), sha256Hex(tampered))
	}
	if !strings.Contains(ve.Error(), "sha256") {
		t.Errorf("message should name the hash mismatch, got %q", ve.Error())
	}
}

func TestUpgradeCommandFailureIsFatal(t *testing.T) {
	dev := newFakeDev()
	dev.files[DefaultHelperDest] = helperScript
	dev.upgradeFails = true

	o, _ := testOrchestrator(t, dev, Options{
		HelperSHA256: sha256Hex(helperScript),
		FirmwarePath: writeTemp(t, "fw.bin", []byte("image")),
	})

	report, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	var ue *UpgradeExecutionError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %T, want UpgradeExecutionError", err)
	}
	if !strings.Contains(ue.Output, "does not fit") {
		t.Errorf("error should carry the device's output, got %q", ue.Output)
	}
	if report.FinalState != StateFailed {
		t.Errorf("final state = %s, want failed", report.FinalState)
	}
	if report.Session != nil {
		t.Error("no session should survive a pre-reboot failure")
	}
}

func TestUnreachableDeviceIsFatalPreMutation(t *testing.T) {
	dev := newFakeDev()
	dev.alive = false

	o, _ := testOrchestrator(t, dev, Options{HelperSHA256: "0000"})

	_, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected connectivity failure")
	}
	var ce *ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %T, want ConnectivityError", err)
	}
	if !strings.Contains(ce.Error(), "ssh") {
		t.Errorf("remediation should suggest a manual ssh command: %v", ce)
	}
	if len(dev.files) != 0 {
		t.Error("nothing may be written before connectivity is proven")
	}
}

func TestRebootTimeoutThenRollback(t *testing.T) {
	dev := newFakeDev()
	dev.files[DefaultHelperDest] = helperScript

	o, _ := testOrchestrator(t, dev, Options{
		HelperSHA256:  sha256Hex(helperScript),
		FirmwarePath:  writeTemp(t, "fw.bin", []byte("image")),
		ConfirmWindow: 60 * time.Second,
		RebootPoll:    5 * time.Second,
		RebootCeiling: 20 * time.Second,
		Reconnect: func(ctx context.Context) (sshx.Runner, error) {
			return nil, fmt.Errorf("no route to host")
		},
	})

	report, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("an unconfirmed run must not exit cleanly")
	}
	if report.FinalState != StateRolledBack {
		t.Errorf("final state = %s, want rolled-back", report.FinalState)
	}
	var rt *RebootTimeoutError
	if !errors.As(report.Warning, &rt) {
		t.Fatalf("warning = %T, want RebootTimeoutError", report.Warning)
	}
	if report.Session.Status != StatusRolledBack {
		t.Errorf("session status = %s, want rolled-back", report.Session.Status)
	}
}

// A window that is an exact multiple of the poll interval lands the
// clock exactly on the deadline; the wait must terminate there, not
// loop with zero time remaining.
func TestPassiveWaitExpiresOnPollBoundary(t *testing.T) {
	dev := newFakeDev()
	dev.files[DefaultHelperDest] = helperScript

	rebooted := newFakeDev()
	rebooted.files[DefaultHelperDest] = helperScript

	o, clock := testOrchestrator(t, dev, Options{
		HelperSHA256:  sha256Hex(helperScript),
		FirmwarePath:  writeTemp(t, "fw.bin", []byte("image")),
		ConfirmWindow: 2 * confirmPollInterval,
		Reconnect: func(ctx context.Context) (sshx.Runner, error) {
			return rebooted, nil
		},
	})

	done := make(chan struct{})
	var report *Report
	var err error
	go func() {
		report, err = o.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not terminate; clock pinned at %v", clock.t)
	}

	if err == nil {
		t.Fatal("an unconfirmed run must not exit cleanly")
	}
	if report.FinalState != StateRolledBack {
		t.Errorf("final state = %s, want rolled-back", report.FinalState)
	}
	if report.Session.Status != StatusRolledBack {
		t.Errorf("session status = %s, want rolled-back", report.Session.Status)
	}
}

func TestOperatorAbortBeforeUpgrade(t *testing.T) {
	dev := newFakeDev()
	dev.files[DefaultHelperDest] = helperScript

	o, _ := testOrchestrator(t, dev, Options{
		HelperSHA256: sha256Hex(helperScript),
		FirmwarePath: writeTemp(t, "fw.bin", []byte("image")),
		Prompt:       func(msg string) bool { return false },
	})

	_, err := o.Run(context.Background())
	var ab *AbortError
	if !errors.As(err, &ab) {
		t.Fatalf("error = %T, want AbortError", err)
	}
	for _, cmd := range dev.cmds {
		if strings.Contains(cmd, "safe-upgrade upgrade") {
			t.Fatal("declined prompt must prevent the upgrade command")
		}
	}
}

func TestBackupRunsBeforeUpgrade(t *testing.T) {
	dev := newFakeDev()
	dev.files[DefaultHelperDest] = helperScript

	var backupAt int
	o, _ := testOrchestrator(t, dev, Options{
		HelperSHA256: sha256Hex(helperScript),
		FirmwarePath: writeTemp(t, "fw.bin", []byte("image")),
		AutoConfirm:  true,
		Reconnect: func(ctx context.Context) (sshx.Runner, error) {
			r := newFakeDev()
			r.files[DefaultHelperDest] = helperScript
			return r, nil
		},
		Backup: func(ctx context.Context, d sshx.Runner) error {
			backupAt = len(dev.cmds)
			return nil
		},
	})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if backupAt == 0 {
		t.Fatal("backup hook never ran")
	}
	for _, cmd := range dev.cmds[backupAt:] {
		if strings.Contains(cmd, "safe-upgrade upgrade") {
			return // upgrade came after the backup, as required
		}
	}
	t.Error("upgrade command should follow the backup")
}
