package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.salesops.dev/core/entity"
	mbp "go.salesops.dev/core/mainboilerplate"
	"go.salesops.dev/core/registry"
)

// EntityConfig selects the entity table of a command.
type EntityConfig struct {
	Entity string `long:"entity" short:"e" required:"true" choice:"leads" choice:"tasks" choice:"inventory" choice:"commissions" choice:"commission_rules" choice:"goals" choice:"team_members" choice:"agencies" choice:"daily_lead_volumes" description:"Entity table"`
}

// session is a served Registry over the configured backend.
type session struct {
	ctx      context.Context
	registry *registry.Registry
	close    func()
}

// startup initializes logging and diagnostics, and serves a Registry until
// the returned session is closed or the process is signaled. If |timeout|
// is non-zero, startup waits up to |timeout| for all tables to load.
func startup(timeout time.Duration) (*session, func()) {
	mbp.InitLog(baseCfg.Log)
	var recovery = mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	var opts, closeSnapshots = baseCfg.Session.MustBuildOptions()
	var backend = baseCfg.BackendConfig.MustOpen(ctx, entity.Tables)
	var reg = registry.New(backend, opts)

	var served = make(chan error, 1)
	go func() { served <- reg.Serve(ctx) }()

	if timeout != 0 {
		var waitCtx, waitCancel = context.WithTimeout(ctx, timeout)
		if err := reg.WaitLoaded(waitCtx); err != nil {
			log.WithField("err", err).Warn("tables did not load in time (continuing)")
		}
		waitCancel()
	}

	var s = &session{ctx: ctx, registry: reg}
	s.close = func() {
		cancel()
		if err := <-served; err != nil {
			log.WithField("err", err).Warn("registry failed")
		}
		_ = backend.Close()
		closeSnapshots()
	}
	return s, recovery
}

func (s *session) table(name string) registry.Table {
	var t, ok = s.registry.Table(name)
	if !ok {
		mbp.Must(errors.Errorf("unknown entity table %q", name), "invalid --entity")
	}
	return t
}
