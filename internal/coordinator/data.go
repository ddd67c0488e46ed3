package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/circuit"
	"github.com/liquidsnipe/engine/internal/errs"
	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/pkg/types"
)

// Maintainer is the storage maintenance surface used by the data workflow.
type Maintainer interface {
	CleanupOldEvents(ctx context.Context, before time.Time) (int64, error)
	Backup(ctx context.Context, directory string) error
}

// DataCoordinator runs the periodic backup and prune ticks.
type DataCoordinator struct {
	logger     *zap.Logger
	config     types.DatabaseConfig
	bus        *events.Bus
	maintainer Maintainer
	breakers   *circuit.Registry

	now func() time.Time
}

// NewDataCoordinator creates the data-management workflow.
func NewDataCoordinator(logger *zap.Logger, config types.DatabaseConfig, bus *events.Bus, maintainer Maintainer, breakers *circuit.Registry) *DataCoordinator {
	return &DataCoordinator{
		logger:     logger.Named("data-coordinator"),
		config:     config,
		bus:        bus,
		maintainer: maintainer,
		breakers:   breakers,
		now:        time.Now,
	}
}

// Run ticks backups and prunes until ctx is cancelled.
func (c *DataCoordinator) Run(ctx context.Context) {
	backupInterval := c.config.BackupInterval
	if backupInterval <= 0 {
		backupInterval = time.Hour
	}
	pruneInterval := c.config.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = 6 * time.Hour
	}

	backupTicker := time.NewTicker(backupInterval)
	pruneTicker := time.NewTicker(pruneInterval)
	defer backupTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-backupTicker.C:
			c.backup(ctx)
		case <-pruneTicker.C:
			c.prune(ctx)
		}
	}
}

func (c *DataCoordinator) backup(ctx context.Context) {
	breaker := c.breakers.Get(circuit.BreakerDatabase)
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return c.maintainer.Backup(ctx, c.config.BackupDirectory)
	})
	if err != nil {
		c.publishError(errs.New(errs.CategoryDatabase, "data-coordinator", "backup", err))
		return
	}
	c.logger.Info("database backup completed",
		zap.String("directory", c.config.BackupDirectory),
	)
	c.bus.Publish(events.CycleCompleteEvent{
		BaseEvent: events.BaseEvent{Type: events.EventTypeCycleComplete, Timestamp: c.now()},
		Cycle:     "backup",
	})
}

func (c *DataCoordinator) prune(ctx context.Context) {
	retention := c.config.EventRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	before := c.now().Add(-retention)

	var removed int64
	breaker := c.breakers.Get(circuit.BreakerDatabase)
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		var pruneErr error
		removed, pruneErr = c.maintainer.CleanupOldEvents(ctx, before)
		return pruneErr
	})
	if err != nil {
		c.publishError(errs.New(errs.CategoryDatabase, "data-coordinator", "prune", err))
		return
	}
	c.logger.Info("old events pruned",
		zap.Int64("removed", removed),
		zap.Time("before", before),
	)
	c.bus.Publish(events.CycleCompleteEvent{
		BaseEvent: events.BaseEvent{Type: events.EventTypeCycleComplete, Timestamp: c.now()},
		Cycle:     "prune",
	})
}

func (c *DataCoordinator) publishError(te *errs.TradingError) {
	c.bus.Publish(events.NewError(
		string(te.Category), string(te.Severity),
		te.Context.Component, te.Context.Operation,
		te.Message, te.Recoverable, te,
	))
}
