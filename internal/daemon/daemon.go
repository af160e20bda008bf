package daemon

import (
	"context"

	hivedaemon "github.com/iotaledger/hive.go/app/daemon"
	"github.com/iotaledger/hive.go/logger"
)

// Daemon is the ordered hive daemon with a named logger. Workers with a
// higher priority are stopped first on shutdown.
type Daemon struct {
	*logger.WrappedLogger
	hivedaemon.Daemon
}

func New(log *logger.Logger) *Daemon {
	return &Daemon{
		WrappedLogger: logger.NewWrappedLogger(log),
		Daemon:        hivedaemon.New(),
	}
}

// OnShutdown registers fn to run once shutdown reaches priority.
func (d *Daemon) OnShutdown(name string, fn func(), priority int) error {
	return d.BackgroundWorker(name, func(ctx context.Context) {
		<-ctx.Done()
		fn()
		d.LogDebugf("stopped %s", name)
	}, priority)
}
