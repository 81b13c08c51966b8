//go:build !linux

package infra

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_block/internal/domain"
)

// FanotifySource is only available on Linux.
type FanotifySource struct{}

// NewFanotifySource returns a source that always fails to subscribe.
func NewFanotifySource(string, *zap.Logger) *FanotifySource {
	return &FanotifySource{}
}

// Subscribe reports that fanotify is unsupported here.
func (s *FanotifySource) Subscribe(context.Context) (<-chan domain.LaunchEvent, <-chan error, error) {
	return nil, nil, errors.New("fanotify is only supported on linux")
}

var _ domain.LaunchSource = (*FanotifySource)(nil)
