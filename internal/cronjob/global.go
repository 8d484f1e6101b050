package cronjob

import (
	"context"
	"fmt"
	"sync"

	"github.com/tgifai/crond/internal/pkg/logs"
)

var (
	globalMu      sync.RWMutex
	globalService *Service
)

// SetDefault installs the process-wide service used by the agent tool.
func SetDefault(s *Service) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalService = s
}

// Default returns the global service, or nil if SetDefault has not been
// called.
func Default() *Service {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalService
}

// Start starts the global service.
func Start(ctx context.Context) error {
	s := Default()
	if s == nil {
		return fmt.Errorf("cronjob: service not initialized, call SetDefault first")
	}
	return s.Start(ctx)
}

// Stop stops the global service. Safe to call if none was installed.
func Stop(ctx context.Context) {
	s := Default()
	if s == nil {
		return
	}
	s.Stop(ctx)
	logs.CtxInfo(ctx, "[cronjob] global service stopped")
}
