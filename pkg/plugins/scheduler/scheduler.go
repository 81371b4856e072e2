// Package scheduler provides the cron plugin: each configured job publishes
// a cron.job.triggered event when its expression is due, and optionally an
// outbound message addressed to a channel.
package scheduler

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
	"github.com/rimeworks/krill/pkg/plugin"
)

const component = "scheduler"

func init() {
	plugin.RegisterFactory("scheduler", func(cfg *config.Config, b *bus.Bus) (plugin.Plugin, error) {
		return New(b, cfg.Plugins.Scheduler)
	})
}

// Plugin is the cron scheduler.
type Plugin struct {
	*plugin.Base
	jobs []config.CronJob
	gron *gronx.Gronx

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the scheduler and validates every job expression up front so
// a bad expression fails the load, not a silent tick.
func New(b *bus.Bus, cfg config.SchedulerConfig) (*Plugin, error) {
	p := &Plugin{
		Base: plugin.NewBase(plugin.Metadata{
			Name:        "scheduler",
			Version:     "1.0.0",
			Description: "Cron-driven event publisher",
			Author:      "krill",
			Enabled:     true,
		}, b),
		jobs: cfg.Jobs,
		gron: gronx.New(),
	}
	for _, job := range cfg.Jobs {
		if !p.gron.IsValid(job.Expr) {
			return nil, &BadExprError{Job: job.Name, Expr: job.Expr}
		}
	}
	return p, nil
}

// BadExprError reports an invalid cron expression at construction time.
type BadExprError struct {
	Job  string
	Expr string
}

func (e *BadExprError) Error() string {
	return "scheduler: job " + e.Job + " has invalid cron expr " + e.Expr
}

// OnLoad starts the minute tick loop.
func (p *Plugin) OnLoad(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(loopCtx)

	logger.InfoCF(component, "Scheduler started", map[string]interface{}{
		"jobs": len(p.jobs),
	})
	return nil
}

func (p *Plugin) run(ctx context.Context) {
	defer close(p.done)

	// Align to the next minute boundary, then tick per minute.
	now := time.Now()
	first := now.Truncate(time.Minute).Add(time.Minute)
	timer := time.NewTimer(first.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-timer.C:
			p.fireDue(ctx, tick)
			timer.Reset(time.Minute)
		}
	}
}

func (p *Plugin) fireDue(ctx context.Context, tick time.Time) {
	for _, job := range p.jobs {
		due, err := p.gron.IsDue(job.Expr, tick)
		if err != nil {
			p.Bus().PublishAsync(ctx, events.New(events.CronJobFailed, map[string]interface{}{
				events.KeyJob:   job.Name,
				events.KeyError: err.Error(),
			}))
			continue
		}
		if !due {
			continue
		}

		logger.DebugCF(component, "Job due", map[string]interface{}{
			"job": job.Name, "expr": job.Expr,
		})
		p.Bus().PublishAsync(ctx, events.New(events.CronJobTriggered, map[string]interface{}{
			events.KeyJob: job.Name,
			"expr":        job.Expr,
			"message":     job.Message,
		}))

		if job.Message != "" && job.Channel != "" {
			p.Bus().PublishAsync(ctx, events.NewOutbound(events.OutboundMessage{
				Channel: job.Channel,
				ChatID:  job.ChatID,
				Content: job.Message,
			}))
		}
	}
}

// OnUnload stops the tick loop.
func (p *Plugin) OnUnload(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	p.UnregisterAll()
	return nil
}

var _ plugin.Plugin = (*Plugin)(nil)
