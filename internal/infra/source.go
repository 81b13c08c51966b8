package infra

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// Launch source kinds accepted by engine.source.
const (
	SourceAuto     = "auto"
	SourceFanotify = "fanotify"
	SourceScan     = "scan"
)

// NewLaunchSource picks the launch source for kind. "auto" means fanotify
// on Linux and process scanning elsewhere.
func NewLaunchSource(kind string, scanInterval time.Duration, logger *zap.Logger) (domain.LaunchSource, error) {
	switch kind {
	case "", SourceAuto:
		if runtime.GOOS == "linux" {
			return NewFanotifySource("/", logger), nil
		}
		return NewScanSource(scanInterval, logger), nil
	case SourceFanotify:
		return NewFanotifySource("/", logger), nil
	case SourceScan:
		return NewScanSource(scanInterval, logger), nil
	default:
		return nil, fmt.Errorf("unknown launch source %q", kind)
	}
}
