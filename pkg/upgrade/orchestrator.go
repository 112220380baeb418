package upgrade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/fwpush/pkg/probe"
	"github.com/glennswest/fwpush/pkg/sshx"
	"github.com/glennswest/fwpush/pkg/transfer"
)

const (
	// DefaultHelperDest is where the safe-upgrade helper lives on the
	// device.
	DefaultHelperDest = "/usr/sbin/safe-upgrade"
	// DefaultFirmwareDest is the staging path for the firmware image.
	DefaultFirmwareDest = "/tmp/firmware.bin"
	// helperStaging is where transfer strategies land the helper
	// before it is moved into place.
	helperStaging = "/tmp/safe-upgrade"

	DefaultConfirmWindow = 1200 * time.Second
	DefaultRebootPoll    = 5 * time.Second
	DefaultRebootCeiling = 300 * time.Second

	confirmPollInterval = 15 * time.Second
)

// Options wires the orchestrator to its collaborators. Every remote
// interaction goes through sshx.Runner values, so tests substitute a
// fake device for the whole flow.
type Options struct {
	DeviceAddr string
	Device     sshx.Runner

	// Reconnect re-establishes the command channel after the reboot;
	// the pre-reboot connection dies when the device goes down.
	Reconnect func(ctx context.Context) (sshx.Runner, error)

	Transfer transfer.Options

	// FirmwarePath empty means a helper-only run.
	FirmwarePath string

	// FetchHelper materializes the pinned helper locally. It is only
	// invoked when the device-side helper is stale, preserving the
	// zero-network idempotence of an up-to-date device.
	FetchHelper  func(ctx context.Context) (string, error)
	HelperSHA256 string
	HelperDest   string
	FirmwareDest string

	ChunkSize int
	BatchSize int

	ConfirmWindow time.Duration
	RebootPoll    time.Duration
	RebootCeiling time.Duration

	// AutoConfirm issues the helper's confirm command from here once
	// the rebooted device verifies. Without it the run waits passively
	// and lets the operator confirm out of band.
	AutoConfirm bool

	// Prompt gates the irreversible step. nil means non-interactive
	// (proceed).
	Prompt func(msg string) bool

	// Backup pulls a configuration archive before the destructive
	// step. Failures are reported as warnings, not fatals.
	Backup func(ctx context.Context, dev sshx.Runner) error

	Log *zap.SugaredLogger
}

// Report summarizes a finished run for diagnostics.
type Report struct {
	FinalState       State
	HelperUpToDate   bool
	HelperStrategy   string
	FirmwareStrategy string
	Session          *Session
	Warning          error
}

// Orchestrator executes the upgrade state machine against one device.
type Orchestrator struct {
	opts Options
	log  *zap.SugaredLogger

	dev     sshx.Runner
	caps    probe.Set
	helper  HelperState
	session *Session
	report  Report
	fwSize  int64
	fwSHA   string
	curPart int
	altPart int
	err     error

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New builds an orchestrator with defaults filled in.
func New(opts Options) *Orchestrator {
	if opts.HelperDest == "" {
		opts.HelperDest = DefaultHelperDest
	}
	if opts.FirmwareDest == "" {
		opts.FirmwareDest = DefaultFirmwareDest
	}
	if opts.ConfirmWindow == 0 {
		opts.ConfirmWindow = DefaultConfirmWindow
	}
	if opts.RebootPoll == 0 {
		opts.RebootPoll = DefaultRebootPoll
	}
	if opts.RebootCeiling == 0 {
		opts.RebootCeiling = DefaultRebootCeiling
	}
	return &Orchestrator{
		opts: opts,
		log:  opts.Log,
		dev:  opts.Device,
		// Dual-boot layouts number their partitions 1 and 2; the real
		// values are read from the helper when it is present.
		curPart: 1,
		altPart: 2,
		now:     time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Run drives the machine from Idle to a terminal state. The returned
// Report is valid in every outcome; the error is nil only on full
// success.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	state, effect := Next(StateIdle, EvStart)
	for !state.Terminal() {
		o.log.Debugw("entering state", "state", state.String())
		ev := o.perform(ctx, effect)
		state, effect = Next(state, ev)
	}

	o.report.FinalState = state
	o.report.Session = o.session

	switch state {
	case StateDone:
		return &o.report, nil
	case StateRolledBack:
		if o.err == nil {
			o.err = fmt.Errorf("confirmation window expired; device reverted to partition %d", o.curPart)
		}
		return &o.report, o.err
	default:
		if o.err == nil {
			o.err = fmt.Errorf("upgrade ended in state %s", state)
		}
		return &o.report, o.err
	}
}

func (o *Orchestrator) fail(err error) {
	if o.err == nil {
		o.err = err
	}
	o.log.Errorw("step failed", "error", err)
}

func (o *Orchestrator) perform(ctx context.Context, eff Effect) Event {
	switch eff {
	case EffProbe:
		return o.doProbe(ctx)
	case EffCheckHelper:
		return o.doCheckHelper(ctx)
	case EffTransferHelper:
		return o.doTransferHelper(ctx)
	case EffInstallHelper:
		return o.doInstallHelper(ctx)
	case EffVerifyFirmwareFile:
		return o.doVerifyFirmwareFile(ctx)
	case EffTransferFirmware:
		return o.doTransferFirmware(ctx)
	case EffVerifyFirmwareOnDevice:
		return o.doVerifyFirmwareOnDevice(ctx)
	case EffExecuteUpgrade:
		return o.doExecuteUpgrade(ctx)
	case EffAwaitReboot:
		return o.doAwaitReboot(ctx)
	case EffVerifyNewFirmware:
		return o.doVerifyNewFirmware(ctx)
	case EffAwaitConfirmation:
		return o.doAwaitConfirmation(ctx)
	}
	o.fail(fmt.Errorf("no handler for effect %d", eff))
	return EvAborted
}

func (o *Orchestrator) doProbe(ctx context.Context) Event {
	caps, err := probe.Detect(ctx, o.dev, o.log)
	if err != nil {
		o.fail(&ConnectivityError{Addr: o.opts.DeviceAddr, Err: err})
		return EvConnectFailed
	}
	o.caps = caps
	return EvConnected
}

func (o *Orchestrator) doCheckHelper(ctx context.Context) Event {
	hash, err := transfer.RemoteSHA256(ctx, o.dev, o.opts.HelperDest)
	if err != nil {
		// Absent helper or no sha256sum on the device means the helper
		// must be (re)installed. A dropped channel looks the same from
		// here, so separate the two with a liveness probe.
		if _, probeErr := o.dev.Run(ctx, "true"); probeErr != nil {
			o.fail(&ConnectivityError{Addr: o.opts.DeviceAddr, Err: probeErr})
			return EvConnectFailed
		}
		o.log.Debugw("no current helper hash", "error", err)
		hash = ""
	}
	o.helper = HelperState{InstalledHash: hash, PinnedHash: o.opts.HelperSHA256}

	if hash != "" {
		o.readHelperStatus(ctx)
	}

	if o.helper.Current() {
		o.report.HelperUpToDate = true
		o.log.Infow("helper already at pinned version, skipping transfer", "sha256", hash)
		return EvHelperCurrent
	}
	o.log.Infow("helper needs update",
		"installed", orNone(hash), "pinned", o.opts.HelperSHA256)
	return EvHelperStale
}

// readHelperStatus parses the helper's status output for the partition
// layout and bootstrap state. The helper prints lines like
// "current partition: 2"; an error or a "not bootstrapped" complaint
// means the dual-boot layout is not set up yet.
func (o *Orchestrator) readHelperStatus(ctx context.Context) {
	out, err := o.dev.Run(ctx, o.opts.HelperDest+" status")
	if err != nil || strings.Contains(out, "not bootstrapped") {
		o.helper.Bootstrapped = false
		return
	}
	o.helper.Bootstrapped = true
	for _, line := range strings.Split(out, "\n") {
		if i := strings.IndexByte(line, ':'); i > 0 {
			key := strings.TrimSpace(line[:i])
			val := strings.TrimSpace(line[i+1:])
			if key == "current partition" {
				if n, err := strconv.Atoi(val); err == nil && (n == 1 || n == 2) {
					o.curPart = n
					o.altPart = 3 - n
				}
			}
		}
	}
}

func (o *Orchestrator) doTransferHelper(ctx context.Context) Event {
	path, err := o.opts.FetchHelper(ctx)
	if err != nil {
		o.fail(&TransferError{Dest: o.opts.HelperDest, Err: err})
		return EvTransferFailed
	}

	name, err := transfer.Send(ctx, o.transferOpts(), o.caps, transfer.Job{
		SourcePath: path,
		Dest:       helperStaging,
		ChunkSize:  o.opts.ChunkSize,
		BatchSize:  o.opts.BatchSize,
	})
	if err != nil {
		o.fail(&TransferError{Dest: o.opts.HelperDest, Err: err})
		return EvTransferFailed
	}
	o.report.HelperStrategy = name
	return EvTransferOK
}

func (o *Orchestrator) doInstallHelper(ctx context.Context) Event {
	cmd := fmt.Sprintf("mv %s %s && chmod 755 %s",
		quote(helperStaging), quote(o.opts.HelperDest), quote(o.opts.HelperDest))
	if _, err := o.dev.Run(ctx, cmd); err != nil {
		o.fail(fmt.Errorf("installing helper: %w; remove %s on the device and re-run", err, helperStaging))
		return EvInstallFailed
	}

	hash, err := transfer.RemoteSHA256(ctx, o.dev, o.opts.HelperDest)
	if err != nil || hash != o.opts.HelperSHA256 {
		o.fail(&VerificationError{Path: o.opts.HelperDest})
		return EvInstallFailed
	}
	o.helper.InstalledHash = hash
	o.readHelperStatus(ctx)
	o.log.Infow("helper installed", "dest", o.opts.HelperDest, "sha256", hash)
	return EvInstallOK
}

func (o *Orchestrator) doVerifyFirmwareFile(ctx context.Context) Event {
	if o.opts.FirmwarePath == "" {
		o.log.Info("no firmware supplied; helper-only run complete")
		return EvNoFirmware
	}

	size, err := transfer.LocalSize(o.opts.FirmwarePath)
	if err != nil {
		o.fail(fmt.Errorf("firmware file %s: %w", o.opts.FirmwarePath, err))
		return EvFirmwareInvalid
	}
	if size == 0 {
		o.fail(fmt.Errorf("firmware file %s is empty; re-download the image", o.opts.FirmwarePath))
		return EvFirmwareInvalid
	}
	sha, err := transfer.FileSHA256(o.opts.FirmwarePath)
	if err != nil {
		o.fail(fmt.Errorf("hashing firmware: %w", err))
		return EvFirmwareInvalid
	}

	o.fwSize = size
	o.fwSHA = sha
	o.log.Infow("firmware image validated", "path", o.opts.FirmwarePath, "bytes", size, "sha256", sha)
	return EvFirmwareValid
}

func (o *Orchestrator) doTransferFirmware(ctx context.Context) Event {
	name, err := transfer.Send(ctx, o.transferOpts(), o.caps, transfer.Job{
		SourcePath: o.opts.FirmwarePath,
		Dest:       o.opts.FirmwareDest,
		ChunkSize:  o.opts.ChunkSize,
		BatchSize:  o.opts.BatchSize,
	})
	if err != nil {
		o.fail(&TransferError{Dest: o.opts.FirmwareDest, Err: err})
		return EvTransferFailed
	}
	o.report.FirmwareStrategy = name
	return EvTransferOK
}

func (o *Orchestrator) doVerifyFirmwareOnDevice(ctx context.Context) Event {
	if err := transfer.VerifySize(ctx, o.dev, o.fwSize, o.opts.FirmwareDest); err != nil {
		got, _ := transfer.RemoteSize(ctx, o.dev, o.opts.FirmwareDest)
		o.fail(&VerificationError{Path: o.opts.FirmwareDest, Want: o.fwSize, Got: got})
		return EvVerifyFailed
	}

	// Belt and braces where the device can hash: the image about to be
	// flashed must be bit-identical to the local one.
	if hash, err := transfer.RemoteSHA256(ctx, o.dev, o.opts.FirmwareDest); err == nil && hash != o.fwSHA {
		o.fail(&VerificationError{
			Path: o.opts.FirmwareDest,
			Want: o.fwSize, Got: o.fwSize,
			WantSHA: o.fwSHA, GotSHA: hash,
		})
		return EvVerifyFailed
	}
	return EvVerifyOK
}

func (o *Orchestrator) doExecuteUpgrade(ctx context.Context) Event {
	if o.opts.Prompt != nil {
		msg := fmt.Sprintf("flash %s to partition %d of %s and reboot?",
			o.opts.FirmwarePath, o.altPart, o.opts.DeviceAddr)
		if !o.opts.Prompt(msg) {
			o.fail(&AbortError{Step: "execute-upgrade"})
			return EvAborted
		}
	}

	if o.opts.Backup != nil {
		if err := o.opts.Backup(ctx, o.dev); err != nil {
			o.log.Warnw("configuration backup failed; continuing", "error", err)
		}
	}

	// The deadline is fixed before the reboot is triggered. If this
	// process dies a second later, the device still reverts on its own
	// when the window closes.
	o.session = &Session{
		ActivePartition:   o.altPart,
		PreviousPartition: o.curPart,
		ConfirmDeadline:   o.now().Add(o.opts.ConfirmWindow),
		Status:            StatusTesting,
	}

	var cmd string
	if !o.helper.Bootstrapped {
		cmd = fmt.Sprintf("%s bootstrap %s", o.opts.HelperDest, quote(o.opts.FirmwareDest))
	} else {
		cmd = fmt.Sprintf("%s upgrade --reboot-safety-timeout %d %s",
			o.opts.HelperDest, int(o.opts.ConfirmWindow.Seconds()), quote(o.opts.FirmwareDest))
	}

	o.log.Infow("executing upgrade",
		"command", cmd,
		"confirmDeadline", o.session.ConfirmDeadline,
		"targetPartition", o.altPart)

	out, err := o.dev.Run(ctx, cmd)
	if err != nil {
		// The channel usually drops when the reboot begins, which also
		// surfaces as an error. Only a still-alive channel proves the
		// command itself failed.
		if _, aliveErr := o.dev.Run(ctx, "true"); aliveErr == nil {
			o.session = nil
			o.fail(&UpgradeExecutionError{Output: strings.TrimSpace(out), Err: err})
			return EvUpgradeFailed
		}
		o.log.Debugw("channel dropped during upgrade command; assuming reboot", "error", err)
	}
	return EvUpgradeStarted
}

func (o *Orchestrator) doAwaitReboot(ctx context.Context) Event {
	start := o.now()
	attempt := 0
	for o.now().Sub(start) < o.opts.RebootCeiling {
		o.sleep(ctx, o.opts.RebootPoll)
		if ctx.Err() != nil {
			break
		}
		attempt++

		dev, err := o.opts.Reconnect(ctx)
		if err != nil {
			o.log.Debugw("device not back yet", "attempt", attempt, "error", err)
			continue
		}
		o.dev = dev
		o.log.Infow("device reachable again", "attempt", attempt)
		return EvDeviceBack
	}

	warn := &RebootTimeoutError{Ceiling: o.opts.RebootCeiling}
	o.report.Warning = warn
	o.log.Warnw("reboot wait ceiling reached", "warning", warn.Error())
	return EvRebootTimeout
}

func (o *Orchestrator) doVerifyNewFirmware(ctx context.Context) Event {
	out, err := o.dev.Run(ctx, "cat /etc/openwrt_release 2>/dev/null || cat /etc/os-release")
	if err != nil {
		o.log.Warnw("could not read firmware release info", "error", err)
		return EvVerifyFailed
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "DISTRIB_DESCRIPTION") || strings.HasPrefix(line, "PRETTY_NAME") {
			o.log.Infow("device booted new firmware", "release", strings.TrimSpace(line))
		}
	}
	return EvVerifyOK
}

func (o *Orchestrator) doAwaitConfirmation(ctx context.Context) Event {
	if o.session == nil {
		o.fail(fmt.Errorf("no upgrade session"))
		return EvConfirmExpired
	}

	if o.opts.AutoConfirm {
		if _, err := o.dev.Run(ctx, o.opts.HelperDest+" confirm"); err == nil {
			o.session.Status = StatusConfirmed
			o.log.Info("upgrade confirmed")
			return EvConfirmed
		} else {
			o.log.Warnw("auto-confirm failed; falling back to passive wait", "error", err)
		}
	}

	// Passive wait: the operator may confirm through the device's own
	// web UI, in which case the helper's status flips to confirmed.
	for !o.session.Expired(o.now()) {
		remaining := o.session.Remaining(o.now())
		o.log.Infow("awaiting confirmation",
			"remaining", remaining.Round(time.Second),
			"hint", "run '"+o.opts.HelperDest+" confirm' on the device or confirm via its web interface")

		wait := confirmPollInterval
		if remaining < wait {
			wait = remaining
		}
		o.sleep(ctx, wait)
		if ctx.Err() != nil {
			o.fail(fmt.Errorf("interrupted while awaiting confirmation; the device reverts on its own at %s unless confirmed",
				o.session.ConfirmDeadline.Format(time.RFC3339)))
			return EvConfirmExpired
		}

		out, err := o.dev.Run(ctx, o.opts.HelperDest+" status")
		if err != nil {
			continue
		}
		if strings.Contains(out, "confirmed") {
			o.session.Status = StatusConfirmed
			o.log.Info("upgrade confirmed out of band")
			return EvConfirmed
		}
	}

	o.log.Warnw("confirmation window expired", "deadline", o.session.ConfirmDeadline)
	return EvConfirmExpired
}

func (o *Orchestrator) transferOpts() transfer.Options {
	opts := o.opts.Transfer
	opts.Device = o.dev
	if opts.Log == nil {
		opts.Log = o.log
	}
	return opts
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
