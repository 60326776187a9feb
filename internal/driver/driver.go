// File: internal/driver/driver.go
package driver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
)

// New builds the configured Driver implementation.
func New(ctx context.Context, cfg config.DriverConfig, logger *zap.Logger) (schemas.Driver, error) {
	switch cfg.Kind {
	case "browser":
		return NewBrowser(ctx, cfg, logger)
	case "session":
		return NewSession(cfg, logger)
	}
	return nil, fmt.Errorf("unknown driver kind %q", cfg.Kind)
}
