package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ramiqadoumi/flowbus/internal/domain"
)

// Above either threshold the bus reports itself degraded.
const (
	degradedCPU    = 90.0
	degradedMemory = 90.0
)

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err.Error())...)
}

func (s *Service) newScheduler(ctx context.Context) (*cron.Cron, error) {
	logger := cronLogger{s.logger}
	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	if _, err := c.AddFunc(s.healthSpec, func() { s.runHealthJob(ctx) }); err != nil {
		return nil, fmt.Errorf("health schedule %q: %w", s.healthSpec, err)
	}
	if _, err := c.AddFunc(s.sweepSpec, func() { s.runSweepJob(ctx) }); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", s.sweepSpec, err)
	}
	return c, nil
}

func (s *Service) runHealthJob(ctx context.Context) {
	h, err := s.healthSampler(ctx)
	if err != nil {
		s.logger.Warn("health sample incomplete", slog.String("error", err.Error()))
	}
	n := s.BroadcastSystemHealth(h)
	s.logger.Debug("system health broadcast",
		slog.String("status", h.Status),
		slog.Int("recipients", n),
	)
}

func (s *Service) runSweepJob(ctx context.Context) {
	if !s.leader.Acquire(ctx) {
		return
	}
	n, err := s.machine.SweepAbandoned(ctx, s.abandonWindow)
	if err != nil {
		s.logger.Error("abandoned sweep", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("abandoned executions reported", slog.Int("count", n))
	}
}

// sampleHealth builds a SystemHealth from host and process figures. A
// failing probe leaves its fields zero; the rest is still reported.
func (s *Service) sampleHealth(ctx context.Context) (domain.SystemHealth, error) {
	now := time.Now()
	h := domain.SystemHealth{
		Status:      "healthy",
		Goroutines:  runtime.NumGoroutine(),
		Connections: s.reg.Count(),
		Uptime:      now.Sub(s.startedAt).Round(time.Second).String(),
		CheckedAt:   now.UTC(),
	}

	var firstErr error
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		firstErr = fmt.Errorf("cpu: %w", err)
	} else if len(pct) > 0 {
		h.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("memory: %w", err)
		}
	} else {
		h.MemoryPct = vm.UsedPercent
		h.MemoryMB = float64(vm.Used) / (1 << 20)
	}

	if h.CPUPercent > degradedCPU || h.MemoryPct > degradedMemory {
		h.Status = "degraded"
	}
	return h, firstErr
}
