package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// SessionUser is the owner of the graphical session notifications go to.
type SessionUser struct {
	UID  int
	Name string
}

// SessionFinder locates the active console user.
type SessionFinder func() (*SessionUser, error)

// errNoSession means nobody is logged in at the console.
var errNoSession = errors.New("no active console session")

// DefaultLaunchGrace is how long a dialog helper must survive before the
// dialog counts as presented.
const DefaultLaunchGrace = 500 * time.Millisecond

// ExecHelper runs short helpers and launches long-lived ones.
type ExecHelper interface {
	CommandRunner
	CommandLauncher
}

// DialogNotifier presents a blocking dialog (macOS) or desktop notification
// (Linux) in the console user's session.
//
// The macOS dialog stays up until the user dismisses it, so it is launched
// detached and reported as presented once it outlives the launch grace.
// Only failing to start it, or it exiting with an error inside the grace,
// counts against the breaker.
type DialogNotifier struct {
	goos     string
	helper   ExecHelper
	findUser SessionFinder
	asRoot   bool
	grace    time.Duration
	breaker  *gobreaker.CircuitBreaker
}

// NotifierConfig tunes the circuit breaker around the presentation helper.
type NotifierConfig struct {
	MaxConsecutiveFailures uint32        // Trip after this many failures in a row
	OpenTimeout            time.Duration // How long to fail fast once tripped
	LaunchGrace            time.Duration // Dialog helper must survive this long
}

// DefaultNotifierConfig returns the service defaults.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		MaxConsecutiveFailures: 3,
		OpenTimeout:            time.Minute,
		LaunchGrace:            DefaultLaunchGrace,
	}
}

// NewDialogNotifier creates a notifier for the current platform.
func NewDialogNotifier(config NotifierConfig, helper ExecHelper) *DialogNotifier {
	finder := consoleUserDarwin
	if runtime.GOOS != "darwin" {
		finder = graphicalUserLinux
	}
	return newDialogNotifier(runtime.GOOS, config, helper, finder, os.Geteuid() == 0)
}

func newDialogNotifier(goos string, config NotifierConfig, helper ExecHelper, finder SessionFinder, asRoot bool) *DialogNotifier {
	maxFailures := config.MaxConsecutiveFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	grace := config.LaunchGrace
	if grace <= 0 {
		grace = DefaultLaunchGrace
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notifier",
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})

	return &DialogNotifier{
		goos:     goos,
		helper:   helper,
		findUser: finder,
		asRoot:   asRoot,
		grace:    grace,
		breaker:  cb,
	}
}

// Notify shows n to the console user. Any failure wraps domain.ErrNotifyFailed.
func (n *DialogNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.present(ctx, notification)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotifyFailed, err)
	}
	return nil
}

func (n *DialogNotifier) present(ctx context.Context, notification domain.Notification) error {
	session, err := n.findUser()
	if err != nil {
		return err
	}

	name, args := n.command(session, notification)
	if n.goos != "darwin" {
		_, err = n.helper.Run(ctx, name, args...)
		return err
	}

	exited, err := n.helper.Launch(name, args...)
	if err != nil {
		return err
	}
	return n.awaitPresented(ctx, exited)
}

// awaitPresented waits out the launch grace. A helper still running when
// the grace or ctx ends is showing its dialog.
func (n *DialogNotifier) awaitPresented(ctx context.Context, exited <-chan error) error {
	timer := time.NewTimer(n.grace)
	defer timer.Stop()

	select {
	case err := <-exited:
		return err
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// command builds the helper invocation for the platform.
func (n *DialogNotifier) command(session *SessionUser, notification domain.Notification) (string, []string) {
	if n.goos == "darwin" {
		script := dialogScript(notification)
		if n.asRoot {
			return "/bin/launchctl", []string{"asuser", strconv.Itoa(session.UID),
				"/usr/bin/osascript", "-e", script}
		}
		return "/usr/bin/osascript", []string{"-e", script}
	}

	notifyArgs := []string{"--urgency=critical"}
	if notification.Icon != "" {
		notifyArgs = append(notifyArgs, "--icon="+string(notification.Icon))
	}
	notifyArgs = append(notifyArgs, notification.Title, notification.Message)

	if n.asRoot {
		bus := fmt.Sprintf("DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/%d/bus", session.UID)
		args := append([]string{"-u", session.Name, "--", "env", bus, "notify-send"}, notifyArgs...)
		return "runuser", args
	}
	return "notify-send", notifyArgs
}

// dialogScript renders the AppleScript for a modal stop dialog.
func dialogScript(notification domain.Notification) string {
	var b strings.Builder
	b.WriteString("display dialog ")
	b.WriteString(appleScriptString(notification.Message))
	b.WriteString(" with title ")
	b.WriteString(appleScriptString(notification.Title))
	b.WriteString(` buttons {"OK"} default button "OK"`)
	if notification.Icon != "" {
		b.WriteString(" with icon POSIX file ")
		b.WriteString(appleScriptString(string(notification.Icon)))
	} else {
		b.WriteString(" with icon stop")
	}
	return b.String()
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// consoleUserDarwin reads the owner of /dev/console. At the login window it
// is root, meaning nobody can see a dialog.
func consoleUserDarwin() (*SessionUser, error) {
	info, err := os.Stat("/dev/console")
	if err != nil {
		return nil, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st.Uid == 0 {
		return nil, errNoSession
	}
	return lookupSessionUser(int(st.Uid))
}

// graphicalUserLinux picks the lowest non-system uid with a runtime dir.
func graphicalUserLinux() (*SessionUser, error) {
	entries, err := os.ReadDir("/run/user")
	if err != nil {
		return nil, errNoSession
	}
	var uids []int
	for _, e := range entries {
		uid, err := strconv.Atoi(e.Name())
		if err != nil || uid < 1000 {
			continue
		}
		if _, err := os.Stat(filepath.Join("/run/user", e.Name(), "bus")); err != nil {
			continue
		}
		uids = append(uids, uid)
	}
	if len(uids) == 0 {
		return nil, errNoSession
	}
	sort.Ints(uids)
	return lookupSessionUser(uids[0])
}

func lookupSessionUser(uid int) (*SessionUser, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil, fmt.Errorf("lookup uid %d: %w", uid, err)
	}
	return &SessionUser{UID: uid, Name: u.Username}, nil
}

// Ensure DialogNotifier implements domain.Notifier.
var _ domain.Notifier = (*DialogNotifier)(nil)
