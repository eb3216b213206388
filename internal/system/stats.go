package system

import (
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/strefethen/snapdog/internal/core"
	applog "github.com/strefethen/snapdog/internal/log"
	"github.com/strefethen/snapdog/internal/state"
)

const statsSchedule = "@every 15s"

// StatsSampler periodically samples process CPU, resident memory and uptime
// into the global store. A changed sample flows out as SERVER_STATS through
// the regular store change events.
type StatsSampler struct {
	global    *state.GlobalStore
	proc      *process.Process
	startedAt time.Time
	cron      *cron.Cron
	logger    zerolog.Logger
}

func NewStatsSampler(global *state.GlobalStore) *StatsSampler {
	s := &StatsSampler{
		global:    global,
		startedAt: time.Now(),
		cron:      cron.New(),
		logger:    applog.Component("system"),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("process stats unavailable")
	} else {
		s.proc = proc
	}
	return s
}

func (s *StatsSampler) Start() {
	s.Sample()
	if _, err := s.cron.AddFunc(statsSchedule, s.Sample); err != nil {
		s.logger.Error().Err(err).Msg("failed to schedule stats sampling")
		return
	}
	s.cron.Start()
}

func (s *StatsSampler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sample takes one measurement and writes it to the global store. Uptime
// always advances, so every sample produces a store mutation; the fan-out's
// change detection decides whether anything is published.
func (s *StatsSampler) Sample() {
	stats := core.ServerStats{UptimeMS: time.Since(s.startedAt).Milliseconds()}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			stats.MemoryRSS = mem.RSS
		}
	}
	s.global.Mutate(func(g core.GlobalState) core.GlobalState {
		g.Stats = stats
		return g
	})
}
