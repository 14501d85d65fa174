package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cron "github.com/netresearch/go-cron"
)

// DefaultPruneSchedule runs pruning once a day.
const DefaultPruneSchedule = "@daily"

// pruneTimeout bounds a single pruning pass.
const pruneTimeout = 30 * time.Second

// Pruner trims the store on a cron schedule.
type Pruner struct {
	store    *Store
	keep     int
	schedule string
	cron     *cron.Cron
}

// NewPruner validates schedule and prepares a pruner keeping the newest keep
// entries. A keep of zero or less disables pruning: Start and Stop are then
// no-ops.
func NewPruner(store *Store, schedule string, keep int) (*Pruner, error) {
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	p := &Pruner{store: store, keep: keep, schedule: schedule}
	if keep <= 0 {
		return p, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("parse prune schedule %q: %w", schedule, err)
	}
	p.cron = c
	return p, nil
}

// Start begins the schedule.
func (p *Pruner) Start() {
	if p.cron == nil {
		return
	}
	slog.Info("history pruning scheduled", "schedule", p.schedule, "keep", p.keep)
	p.cron.Start()
}

// Stop halts the schedule, waiting for a running pass.
func (p *Pruner) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
}

// RunNow prunes immediately.
func (p *Pruner) RunNow(ctx context.Context) (int64, error) {
	return p.store.Prune(ctx, p.keep)
}

func (p *Pruner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	removed, err := p.RunNow(ctx)
	if err != nil {
		slog.Warn("history pruning failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("history pruned", "removed", removed, "keep", p.keep)
	}
}
