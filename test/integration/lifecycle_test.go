//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
	"github.com/eliteGoblin/focusd/app_block/internal/infra"
	"github.com/eliteGoblin/focusd/app_block/internal/usecase"
)

// fakeSystemctl tracks unit state the way systemctl would report it.
type fakeSystemctl struct {
	mu        sync.Mutex
	active    map[string]bool
	failStart int
	log       []string
}

func newFakeSystemctl() *fakeSystemctl {
	return &fakeSystemctl{active: make(map[string]bool)}
}

func (f *fakeSystemctl) Run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, strings.Join(append([]string{name}, args...), " "))

	if name != "systemctl" || len(args) == 0 {
		return "", errors.New("unexpected command " + name)
	}
	unit := args[len(args)-1]
	switch args[0] {
	case "enable":
		if f.failStart > 0 {
			f.failStart--
			return "", errors.New("Job for unit failed")
		}
		f.active[unit] = true
	case "stop", "disable":
		f.active[unit] = false
	case "is-active":
		if f.active[unit] {
			return "active\n", nil
		}
		return "inactive\n", errors.New("exit status 3")
	}
	return "", nil
}

func (f *fakeSystemctl) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

var _ = Describe("Service lifecycle", func() {
	var (
		tmpDir    string
		unitDir   string
		install   string
		systemctl *fakeSystemctl
		sup       *infra.SystemdSupervisor
	)

	buildProgram := func(content string) string {
		path := filepath.Join(tmpDir, "build", "appblock")
		Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(content), 0755)).To(Succeed())
		return path
	}

	lifecycleFor := func(program string) *usecase.Lifecycle {
		return usecase.NewLifecycle(usecase.LifecycleConfig{
			ExecutablePath: program,
			InstallPath:    install,
			LogPath:        filepath.Join(tmpDir, "appblock.log"),
			ErrorLogPath:   filepath.Join(tmpDir, "appblock.log"),
			VerifyAttempts: 3,
			VerifyDelay:    time.Millisecond,
		}, sup, infra.NewFileSystemManager(), zap.NewNop())
	}

	installed := func() string {
		data, err := os.ReadFile(install)
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		unitDir = filepath.Join(tmpDir, "systemd")
		install = filepath.Join(tmpDir, "bin", "appblock")
		systemctl = newFakeSystemctl()
		sup = infra.NewSystemdSupervisor(unitDir, systemctl)
	})

	It("installs, stays idempotent, updates and uninstalls", func() {
		ctx := context.Background()

		By("installing fresh")
		result, err := lifecycleFor(buildProgram("v1")).Install(ctx, blockedDomain)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Action).To(Equal(usecase.InstallFresh))
		Expect(installed()).To(Equal("v1"))
		Expect(sup.IsRunning(blockedDomain)).To(BeTrue())

		unit, err := os.ReadFile(sup.DescriptorPath(blockedDomain))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(unit)).To(ContainSubstring("ExecStart=" + install + " run --domain " + blockedDomain))
		Expect(string(unit)).To(ContainSubstring("Restart=always"))

		By("installing the same build again")
		before := len(systemctl.Commands())
		result, err = lifecycleFor(buildProgram("v1")).Install(ctx, blockedDomain)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Action).To(Equal(usecase.InstallCurrent))
		for _, cmd := range systemctl.Commands()[before:] {
			Expect(cmd).To(HavePrefix("systemctl is-active"), "no rewrite or restart")
		}

		By("installing a newer build")
		result, err = lifecycleFor(buildProgram("v2")).Install(ctx, blockedDomain)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Action).To(Equal(usecase.InstallUpdated))
		Expect(installed()).To(Equal("v2"))
		Expect(sup.IsRunning(blockedDomain)).To(BeTrue())

		commands := systemctl.Commands()
		stopAt, startAt := -1, -1
		for i, cmd := range commands {
			if strings.HasPrefix(cmd, "systemctl stop ") {
				stopAt = i
			}
			if strings.HasPrefix(cmd, "systemctl enable --now ") {
				startAt = i
			}
		}
		Expect(stopAt).To(BeNumerically(">=", 0))
		Expect(startAt).To(BeNumerically(">", stopAt), "stop strictly before start")

		By("uninstalling")
		Expect(lifecycleFor(buildProgram("v2")).Uninstall(ctx, blockedDomain)).To(Succeed())
		Expect(install).NotTo(BeAnExistingFile())
		Expect(sup.DescriptorPath(blockedDomain)).NotTo(BeAnExistingFile())
		Expect(sup.IsRunning(blockedDomain)).To(BeFalse())

		By("uninstalling again")
		Expect(lifecycleFor(buildProgram("v2")).Uninstall(ctx, blockedDomain)).To(Succeed())
	})

	It("rolls back to the previous build when the new one fails to start", func() {
		ctx := context.Background()
		_, err := lifecycleFor(buildProgram("v1")).Install(ctx, blockedDomain)
		Expect(err).NotTo(HaveOccurred())

		systemctl.failStart = 1
		result, err := lifecycleFor(buildProgram("v2")).Install(ctx, blockedDomain)

		Expect(err).To(MatchError(domain.ErrInstallFailed))
		Expect(result).NotTo(BeNil())
		Expect(result.RolledBack).To(BeTrue())
		Expect(installed()).To(Equal("v1"))
		Expect(sup.IsRunning(blockedDomain)).To(BeTrue())
		Expect(install + ".previous").NotTo(BeAnExistingFile())
	})
})
