//go:build linux

package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

const (
	fanotifyPollMs  = 250
	fanotifyBufSize = 4096

	// interpreterWindow bounds how long after a script's exec its
	// interpreter open is attributed to the same launch.
	interpreterWindow = time.Second
)

// FanotifySource receives FAN_OPEN_EXEC notifications for a mount.
// Requires CAP_SYS_ADMIN.
type FanotifySource struct {
	mount    string
	resolver *BundleResolver
	logger   *zap.Logger
}

// NewFanotifySource creates a source watching the mount containing path.
func NewFanotifySource(mount string, logger *zap.Logger) *FanotifySource {
	if mount == "" {
		mount = "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FanotifySource{mount: mount, resolver: NewBundleResolver(), logger: logger}
}

// Subscribe initialises a fanotify group and starts reading events.
func (s *FanotifySource) Subscribe(ctx context.Context) (<-chan domain.LaunchEvent, <-chan error, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_NOTIF|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK,
		unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("fanotify_init: %w", err)
	}

	if err := unix.FanotifyMark(fd, unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT,
		unix.FAN_OPEN_EXEC, unix.AT_FDCWD, s.mount); err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("fanotify_mark %s: %w", s.mount, err)
	}

	events := make(chan domain.LaunchEvent)
	errs := make(chan error, 1)
	go s.loop(ctx, fd, events, errs)
	return events, errs, nil
}

func (s *FanotifySource) loop(ctx context.Context, fd int, events chan<- domain.LaunchEvent, errs chan<- error) {
	defer close(events)
	defer unix.Close(fd)

	self := int32(os.Getpid())
	buf := make([]byte, fanotifyBufSize)
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	chain := newExecChain(isScript)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := unix.Poll(pfd, fanotifyPollMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			errs <- fmt.Errorf("poll fanotify: %w", err)
			return
		}
		if n == 0 {
			continue
		}

		read, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			errs <- fmt.Errorf("read fanotify: %w", err)
			return
		}

		for _, raw := range parseFanotify(buf[:read]) {
			if raw.pid == self {
				continue
			}
			if !chain.Launch(raw, time.Now()) {
				s.logger.Debug("skipped interpreter exec",
					zap.Int32("pid", raw.pid),
					zap.String("path", raw.path))
				continue
			}
			id := s.resolver.Resolve(raw.path)
			event := domain.LaunchEvent{
				Identifier:  id.Identifier,
				PID:         int(raw.pid),
				PackagePath: id.PackagePath,
				DisplayName: id.DisplayName,
				ExecPath:    raw.path,
				ObservedAt:  time.Now(),
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

type fanotifyExec struct {
	pid  int32
	path string
}

// parseFanotify walks the metadata records in buf, resolving each event fd
// to a path and closing it.
func parseFanotify(buf []byte) []fanotifyExec {
	var out []fanotifyExec
	metaSize := int(unsafe.Sizeof(unix.FanotifyEventMetadata{}))

	for off := 0; off+metaSize <= len(buf); {
		md := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[off]))
		if md.Event_len < uint32(metaSize) || off+int(md.Event_len) > len(buf) {
			break
		}
		if md.Vers != unix.FANOTIFY_METADATA_VERSION {
			break
		}

		if md.Fd >= 0 {
			path, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(int(md.Fd)))
			unix.Close(int(md.Fd))
			if err == nil && md.Mask&unix.FAN_OPEN_EXEC != 0 {
				out = append(out, fanotifyExec{pid: md.Pid, path: path})
			}
		}
		off += int(md.Event_len)
	}
	return out
}

// execChain collapses the opens of one execve into a single launch.
// FAN_OPEN_EXEC also reports the ELF loader of every dynamic binary and the
// interpreter of a #! script, all under the launching pid.
type execChain struct {
	isScript func(path string) bool
	scripts  map[int32]time.Time // pid -> exec of a script awaiting its interpreter
}

func newExecChain(isScript func(string) bool) *execChain {
	return &execChain{isScript: isScript, scripts: make(map[int32]time.Time)}
}

// Launch reports whether e is a program launch rather than part of the
// exec of an earlier one.
func (c *execChain) Launch(e fanotifyExec, now time.Time) bool {
	for pid, at := range c.scripts {
		if now.Sub(at) > interpreterWindow {
			delete(c.scripts, pid)
		}
	}

	if isDynamicLoader(e.path) {
		return false
	}
	if _, ok := c.scripts[e.pid]; ok {
		// The interpreter may itself be a script.
		if c.isScript(e.path) {
			c.scripts[e.pid] = now
		} else {
			delete(c.scripts, e.pid)
		}
		return false
	}
	if c.isScript(e.path) {
		c.scripts[e.pid] = now
	}
	return true
}

// isDynamicLoader matches the ELF interpreters glibc and musl install.
func isDynamicLoader(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "ld-linux") ||
		strings.HasPrefix(base, "ld-musl-") ||
		strings.HasPrefix(base, "ld64.so") ||
		strings.HasPrefix(base, "ld.so")
}

// isScript reports whether path starts with a #! line.
func isScript(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, 2)
	n, _ := f.Read(magic)
	return n == 2 && string(magic) == "#!"
}

// Ensure FanotifySource implements domain.LaunchSource.
var _ domain.LaunchSource = (*FanotifySource)(nil)
