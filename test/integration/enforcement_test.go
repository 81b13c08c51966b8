//go:build integration

package integration

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/daemon"
	"github.com/eliteGoblin/focusd/app_block/internal/domain"
	"github.com/eliteGoblin/focusd/app_block/internal/infra"
	"github.com/eliteGoblin/focusd/app_block/internal/policy"
	"github.com/eliteGoblin/focusd/app_block/internal/usecase"
	"github.com/eliteGoblin/focusd/app_block/test/fixtures"
)

const blockedDomain = "com.example.BlockedApps"

// readySource closes ready once the first subscription has its baseline.
type readySource struct {
	domain.LaunchSource
	ready chan struct{}
	once  sync.Once
}

func (s *readySource) Subscribe(ctx context.Context) (<-chan domain.LaunchEvent, <-chan error, error) {
	events, errs, err := s.LaunchSource.Subscribe(ctx)
	if err == nil {
		s.once.Do(func() { close(s.ready) })
	}
	return events, errs, err
}

// recordingNotifier stands in for the dialog, which needs a console session.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, notification domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) Sent() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.sent...)
}

var _ = Describe("Enforcement engine", func() {
	var (
		tmpDir   string
		eventLog string
		notifier *recordingNotifier
		cancel   context.CancelFunc
		done     chan error
	)

	startEngine := func(rules []domain.BlockRule) {
		policyDir := filepath.Join(tmpDir, "policies")
		Expect(policy.Save(filepath.Join(policyDir, blockedDomain+".yaml"), rules)).To(Succeed())

		logger := zap.NewNop()
		store := policy.NewFileStore(policy.StoreConfig{Dirs: []string{policyDir}, MaxAge: time.Second}, logger)
		executor := usecase.NewExecutor(
			infra.NewProcessManager(),
			infra.NewFileSystemManager(),
			notifier,
			infra.NewEventLog(eventLog),
			5*time.Second,
			logger,
		)
		enforcer := usecase.NewEnforcer(blockedDomain, store, executor, infra.ResolveIcon, logger)

		source := &readySource{
			LaunchSource: infra.NewScanSource(20*time.Millisecond, logger),
			ready:        make(chan struct{}),
		}
		watcher := daemon.NewWatcher(daemon.DefaultWatcherConfig(), source, enforcer,
			infra.NewMetrics(prometheus.NewRegistry()), logger)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- watcher.Run(ctx) }()

		Eventually(source.ready, 5*time.Second).Should(BeClosed())
	}

	launch := func(bundle *fixtures.FakeBundle) *exec.Cmd {
		cmd, err := bundle.Launch("60")
		Expect(err).NotTo(HaveOccurred())

		exited := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(exited)
		}()
		DeferCleanup(func() {
			_ = cmd.Process.Kill()
			<-exited
		})
		return cmd
	}

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		eventLog = filepath.Join(tmpDir, "AppBlocker.log")
		notifier = &recordingNotifier{}
		cancel = nil
	})

	AfterEach(func() {
		if cancel != nil {
			cancel()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		}
	})

	Context("when a blocked app with delete and alert launches", func() {
		It("terminates it, deletes the bundle, alerts and logs", func() {
			chess := fixtures.NewFakeBundle(filepath.Join(tmpDir, "Applications"), "Chess", "com.apple.Chess")
			Expect(chess.CreateFrom("sleep")).To(Succeed())

			startEngine([]domain.BlockRule{{
				Identifier:   "com.apple.Chess",
				DeleteApp:    true,
				AlertUser:    true,
				AlertTitle:   "{appname} blocked",
				AlertMessage: "{appname} is not allowed.",
			}})

			cmd := launch(chess)
			pm := infra.NewProcessManager()

			Eventually(func() bool { return pm.IsRunning(cmd.Process.Pid) }, 10*time.Second, 50*time.Millisecond).
				Should(BeFalse())
			Eventually(chess.Exists, 10*time.Second).Should(BeFalse())

			Eventually(func() ([]domain.EnforcementRecord, error) {
				return infra.ReadEventLog(eventLog)
			}, 10*time.Second).Should(HaveLen(1))

			records, err := infra.ReadEventLog(eventLog)
			Expect(err).NotTo(HaveOccurred())
			record := records[0]
			Expect(record.Domain).To(Equal(blockedDomain))
			Expect(record.Identifier).To(Equal("com.apple.Chess"))
			Expect(record.PID).To(Equal(cmd.Process.Pid))
			Expect(record.PackagePath).To(Equal(chess.Path()))

			Expect(notifier.Sent()).To(ConsistOf(domain.Notification{
				Title:   "Chess blocked",
				Message: "Chess is not allowed.",
				Icon:    infra.ResolveIcon(""),
			}))
		})
	})

	Context("when an app not in the policy launches", func() {
		It("leaves it alone", func() {
			safari := fixtures.NewFakeBundle(filepath.Join(tmpDir, "Applications"), "Safari", "com.apple.Safari")
			Expect(safari.CreateFrom("sleep")).To(Succeed())

			startEngine([]domain.BlockRule{{Identifier: "com.apple.Chess"}})

			cmd := launch(safari)
			pm := infra.NewProcessManager()

			Consistently(func() bool { return pm.IsRunning(cmd.Process.Pid) }, 500*time.Millisecond, 50*time.Millisecond).
				Should(BeTrue())
			Expect(safari.Exists()).To(BeTrue())
			Expect(eventLog).NotTo(BeAnExistingFile())
		})
	})

	Context("when the policy changes while running", func() {
		It("enforces the new rule without a restart", func() {
			game := fixtures.NewFakeBundle(filepath.Join(tmpDir, "Applications"), "Game", "com.example.Game")
			Expect(game.CreateFrom("sleep")).To(Succeed())

			startEngine([]domain.BlockRule{{Identifier: "com.apple.Chess"}})
			Expect(policy.Save(filepath.Join(tmpDir, "policies", blockedDomain+".yaml"), []domain.BlockRule{
				{Identifier: "com.apple.Chess"},
				{Identifier: "com.example.Game"},
			})).To(Succeed())

			cmd := launch(game)
			pm := infra.NewProcessManager()

			Eventually(func() bool { return pm.IsRunning(cmd.Process.Pid) }, 10*time.Second, 50*time.Millisecond).
				Should(BeFalse())
			Expect(game.Exists()).To(BeTrue(), "rule without delete_app keeps the bundle")
		})
	})
})
