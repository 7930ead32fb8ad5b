package driver

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"

	"fsledger/internal/engine"
	"fsledger/internal/model"
)

// Factory builds and caches one driver per mount. The cache matters for
// the memory driver, whose contents live in the driver instance, and saves
// re-establishing S3 clients on every operation.
type Factory struct {
	drivers *xsync.Map[string, engine.Driver]
}

var _ engine.DriverFactory = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{drivers: xsync.NewMap[string, engine.Driver]()}
}

// DriverFor resolves the driver for a mount descriptor. This is the only
// place that branches on backend kind.
func (f *Factory) DriverFor(ctx context.Context, desc *engine.BackendDescriptor) (engine.Driver, error) {
	if drv, ok := f.drivers.Load(desc.MountID); ok {
		return drv, nil
	}

	var drv engine.Driver
	var err error
	switch desc.Kind {
	case model.MountKindLocal:
		drv, err = NewLocalDriver(desc.Root)
	case model.MountKindS3:
		var cfg S3Config
		cfg, err = ParseS3Config(desc.Config)
		if err == nil {
			drv, err = NewS3Driver(ctx, desc.Root, cfg)
		}
	case model.MountKindMemory:
		drv = NewMemoryDriver()
	default:
		err = fmt.Errorf("unknown backend kind: %s", desc.Kind)
	}
	if err != nil {
		return nil, err
	}

	actual, _ := f.drivers.LoadOrStore(desc.MountID, drv)
	return actual, nil
}

// Register installs a pre-built driver for a mount. Tests use this to hand
// the coordinator an inspectable memory driver.
func (f *Factory) Register(mountID string, drv engine.Driver) {
	f.drivers.Store(mountID, drv)
}
