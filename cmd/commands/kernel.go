package commands

import (
	"context"
	"fmt"

	"github.com/dohr-michael/shellkernel/internal/config"
	"github.com/dohr-michael/shellkernel/internal/console"
	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/heartbeat"
	"github.com/dohr-michael/shellkernel/internal/history"
	"github.com/dohr-michael/shellkernel/internal/interrupts"
	"github.com/dohr-michael/shellkernel/internal/kernel"
	"github.com/dohr-michael/shellkernel/internal/shell"
)

// kernelRuntime is a started kernel with the services it depends on.
type kernelRuntime struct {
	bus    *events.Bus
	intr   *interrupts.Bridge
	hist   *history.Store
	pruner *history.Pruner
	kernel *kernel.Kernel
}

// startKernel builds and starts a kernel from cfg.
func startKernel(ctx context.Context, cfg *config.Config) (*kernelRuntime, error) {
	rt := &kernelRuntime{
		bus:  events.NewBus(cfg.Events.BufferSize),
		intr: interrupts.New(),
	}

	if !cfg.History.Disabled {
		hist, err := history.Open(cfg.History.Path)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open history: %w", err)
		}
		rt.hist = hist

		pruner, err := history.NewPruner(hist, cfg.History.PruneSchedule, cfg.History.Keep)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.pruner = pruner
		pruner.Start()
	}

	k, err := kernel.New(kernel.Config{
		Bus:        rt.bus,
		Interrupts: rt.intr,
		History:    rt.hist,
		Shell: shell.Config{
			Prompt:         cfg.Kernel.Prompt,
			ContinuePrompt: cfg.Kernel.ContinuePrompt,
			BufferSize:     cfg.Kernel.BufferSize,
			Dir:            cfg.Kernel.Dir,
			KillTimeout:    cfg.Kernel.KillTimeout.Duration(),
		},
		Console: console.Config{
			InputPollInterval: cfg.Kernel.InputPollInterval.Duration(),
			PumpInterval:      cfg.Kernel.PumpInterval.Duration(),
			WriteTimeout:      cfg.Kernel.WriteTimeout.Duration(),
		},
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.kernel = k

	if err := k.Start(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("start kernel: %w", err)
	}
	return rt, nil
}

// probe reports the kernel status for the heartbeat file.
func (rt *kernelRuntime) probe() heartbeat.KernelStatus {
	a := rt.kernel.ArbiterState()
	return heartbeat.KernelStatus{
		State:          rt.kernel.State().String(),
		ExecutionCount: rt.kernel.ExecutionCount(),
		Holder:         a.Holder,
		Waiters:        a.Waiters,
		LastPump:       rt.kernel.LastPump(),
	}
}

// Close stops the kernel and releases everything in reverse order.
func (rt *kernelRuntime) Close() {
	if rt.kernel != nil {
		rt.kernel.Close()
	}
	if rt.pruner != nil {
		rt.pruner.Stop()
	}
	if rt.hist != nil {
		rt.hist.Close()
	}
	rt.intr.Close()
	rt.bus.Close()
}
