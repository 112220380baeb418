package upgrade

// The upgrade flow is an explicit finite state machine: Next is a pure
// transition function from (state, event) to (state, effect), and the
// orchestrator is just the loop that performs effects against the
// device and feeds the resulting events back in. Tests drive the
// machine with a fake executor and never need a live device.

// State is one step of the upgrade flow.
type State int

const (
	StateIdle State = iota
	StateProbeConnectivity
	StateCheckHelperVersion
	StateTransferHelper
	StateInstallHelper
	StateVerifyFirmwareFile
	StateTransferFirmware
	StateVerifyFirmwareOnDevice
	StateExecuteUpgrade
	StateAwaitReboot
	StateVerifyNewFirmware
	StateAwaitConfirmation
	StateDone
	StateRolledBack
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbeConnectivity:
		return "probe-connectivity"
	case StateCheckHelperVersion:
		return "check-helper-version"
	case StateTransferHelper:
		return "transfer-helper"
	case StateInstallHelper:
		return "install-helper"
	case StateVerifyFirmwareFile:
		return "verify-firmware-file"
	case StateTransferFirmware:
		return "transfer-firmware"
	case StateVerifyFirmwareOnDevice:
		return "verify-firmware-on-device"
	case StateExecuteUpgrade:
		return "execute-upgrade"
	case StateAwaitReboot:
		return "await-reboot"
	case StateVerifyNewFirmware:
		return "verify-new-firmware"
	case StateAwaitConfirmation:
		return "await-confirmation"
	case StateDone:
		return "done"
	case StateRolledBack:
		return "rolled-back"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

// Terminal reports whether the machine has stopped.
func (s State) Terminal() bool {
	return s == StateDone || s == StateRolledBack || s == StateFailed
}

// Event is the outcome of performing an effect.
type Event int

const (
	EvStart Event = iota
	EvConnected
	EvConnectFailed
	EvHelperCurrent
	EvHelperStale
	EvTransferOK
	EvTransferFailed
	EvInstallOK
	EvInstallFailed
	EvFirmwareValid
	EvFirmwareInvalid
	EvNoFirmware
	EvVerifyOK
	EvVerifyFailed
	EvUpgradeStarted
	EvUpgradeFailed
	EvDeviceBack
	EvRebootTimeout
	EvConfirmed
	EvConfirmExpired
	EvAborted
)

// Effect is the action the orchestrator must perform next.
type Effect int

const (
	EffNone Effect = iota
	EffProbe
	EffCheckHelper
	EffTransferHelper
	EffInstallHelper
	EffVerifyFirmwareFile
	EffTransferFirmware
	EffVerifyFirmwareOnDevice
	EffExecuteUpgrade
	EffAwaitReboot
	EffVerifyNewFirmware
	EffAwaitConfirmation
)

type transition struct {
	state  State
	event  Event
}

type outcome struct {
	state  State
	effect Effect
}

var transitions = map[transition]outcome{
	{StateIdle, EvStart}: {StateProbeConnectivity, EffProbe},

	// Probe failure is fatal and happens before any device mutation.
	{StateProbeConnectivity, EvConnected}:     {StateCheckHelperVersion, EffCheckHelper},
	{StateProbeConnectivity, EvConnectFailed}: {StateFailed, EffNone},

	// Pinned-hash match skips straight past transfer and install.
	{StateCheckHelperVersion, EvHelperCurrent}: {StateVerifyFirmwareFile, EffVerifyFirmwareFile},
	{StateCheckHelperVersion, EvHelperStale}:   {StateTransferHelper, EffTransferHelper},
	{StateCheckHelperVersion, EvConnectFailed}: {StateFailed, EffNone},

	{StateTransferHelper, EvTransferOK}:     {StateInstallHelper, EffInstallHelper},
	{StateTransferHelper, EvTransferFailed}: {StateFailed, EffNone},

	{StateInstallHelper, EvInstallOK}:     {StateVerifyFirmwareFile, EffVerifyFirmwareFile},
	{StateInstallHelper, EvInstallFailed}: {StateFailed, EffNone},

	// A helper-only run ends here.
	{StateVerifyFirmwareFile, EvNoFirmware}:      {StateDone, EffNone},
	{StateVerifyFirmwareFile, EvFirmwareValid}:   {StateTransferFirmware, EffTransferFirmware},
	{StateVerifyFirmwareFile, EvFirmwareInvalid}: {StateFailed, EffNone},

	{StateTransferFirmware, EvTransferOK}:     {StateVerifyFirmwareOnDevice, EffVerifyFirmwareOnDevice},
	{StateTransferFirmware, EvTransferFailed}: {StateFailed, EffNone},

	{StateVerifyFirmwareOnDevice, EvVerifyOK}:     {StateExecuteUpgrade, EffExecuteUpgrade},
	{StateVerifyFirmwareOnDevice, EvVerifyFailed}: {StateFailed, EffNone},

	// Last abortable step. Once the upgrade command is out, the run is
	// a passive observer.
	{StateExecuteUpgrade, EvUpgradeStarted}: {StateAwaitReboot, EffAwaitReboot},
	{StateExecuteUpgrade, EvUpgradeFailed}:  {StateFailed, EffNone},
	{StateExecuteUpgrade, EvAborted}:        {StateFailed, EffNone},

	// Not reaching the device inside the ceiling is a warning; the
	// confirmation window keeps running on the device regardless.
	{StateAwaitReboot, EvDeviceBack}:    {StateVerifyNewFirmware, EffVerifyNewFirmware},
	{StateAwaitReboot, EvRebootTimeout}: {StateAwaitConfirmation, EffAwaitConfirmation},

	{StateVerifyNewFirmware, EvVerifyOK}:     {StateAwaitConfirmation, EffAwaitConfirmation},
	{StateVerifyNewFirmware, EvVerifyFailed}: {StateAwaitConfirmation, EffAwaitConfirmation},

	{StateAwaitConfirmation, EvConfirmed}:      {StateDone, EffNone},
	{StateAwaitConfirmation, EvConfirmExpired}: {StateRolledBack, EffNone},
}

// Next returns the successor state and the effect to perform on
// entering it. An event that has no defined transition from the
// current state fails the machine rather than being silently ignored.
func Next(s State, ev Event) (State, Effect) {
	if out, ok := transitions[transition{s, ev}]; ok {
		return out.state, out.effect
	}
	return StateFailed, EffNone
}
