package domain

import "errors"

// Failure taxonomy. Implementations wrap these with fmt.Errorf("%w: ...")
// so callers can branch with errors.Is.
var (
	// ErrPolicyUnavailable: policy document missing or malformed. Engine fails open.
	ErrPolicyUnavailable = errors.New("policy unavailable")

	// ErrUnresolvableIdentifier: the launched process has no usable identifier.
	ErrUnresolvableIdentifier = errors.New("unresolvable application identifier")

	// ErrNoSuchProcess: pid already gone. Treated as a successful termination.
	ErrNoSuchProcess = errors.New("no such process")

	ErrDeleteFailed   = errors.New("delete failed")
	ErrNotifyFailed   = errors.New("notify failed")
	ErrLogWriteFailed = errors.New("log write failed")

	// ErrActionTimedOut: an action exceeded its per-action timeout.
	ErrActionTimedOut = errors.New("action timed out")

	ErrInstallFailed   = errors.New("install failed")
	ErrUninstallFailed = errors.New("uninstall failed")
)
