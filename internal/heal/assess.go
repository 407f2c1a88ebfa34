package heal

// Level classifies a service's health.
type Level string

// Health levels, best first.
const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	}
	return 0
}

// Issue names one detected problem.
type Issue string

// Issues in dominance order: the first detected issue decides the recovery
// strategy.
const (
	IssueNotRunning     Issue = "not_running"
	IssueProbeUnhealthy Issue = "probe_unhealthy"
	IssueRestarting     Issue = "restarting"
	IssueMemHigh        Issue = "mem_high"
	IssueMemWarn        Issue = "mem_warn"
	IssueRestartLoop    Issue = "restart_loop"
)

// Assessment is the health verdict for one service at one check.
type Assessment struct {
	Service Service
	Level   Level
	Issues  []Issue
}

// Dominant returns the highest-priority issue, or "" when healthy.
func (a Assessment) Dominant() Issue {
	if len(a.Issues) == 0 {
		return ""
	}
	return a.Issues[0]
}

// Memory thresholds in percent of the container limit.
const (
	memCriticalPct = 95
	memWarnPct     = 85
)

// restartLoopCount marks a service as crash-looping.
const restartLoopCount = 5

// Assess computes the health verdict for one service. Checks run in a fixed
// priority order and every triggered issue is recorded; the worst level wins.
// A restarting container is not "not running": the engine is already cycling
// it, which is its own condition.
func Assess(s Service) Assessment {
	a := Assessment{Service: s, Level: LevelHealthy}
	raise := func(l Level, issue Issue) {
		a.Issues = append(a.Issues, issue)
		if l.rank() > a.Level.rank() {
			a.Level = l
		}
	}

	if s.State != "running" && s.State != "restarting" {
		raise(LevelCritical, IssueNotRunning)
	}
	if s.Health == "unhealthy" {
		raise(LevelCritical, IssueProbeUnhealthy)
	}
	if s.State == "restarting" {
		raise(LevelWarning, IssueRestarting)
	}
	switch {
	case s.MemPercent > memCriticalPct:
		raise(LevelCritical, IssueMemHigh)
	case s.MemPercent > memWarnPct:
		raise(LevelWarning, IssueMemWarn)
	}
	if s.RestartCount > restartLoopCount {
		raise(LevelWarning, IssueRestartLoop)
	}
	return a
}

// Strategy names a recovery action.
type Strategy string

// Recovery strategies.
const (
	StrategyStart     Strategy = "start"
	StrategyRestart   Strategy = "restart"
	StrategyKillStart Strategy = "kill_start"
	StrategyCooldown  Strategy = "cooldown_restart"
)

// strategyFor maps a dominant issue to its recovery strategy. Issues without
// a mapping are observed only.
func strategyFor(issue Issue) (Strategy, bool) {
	switch issue {
	case IssueNotRunning:
		return StrategyStart, true
	case IssueProbeUnhealthy:
		return StrategyRestart, true
	case IssueMemHigh, IssueMemWarn:
		return StrategyRestart, true
	case IssueRestarting:
		return StrategyKillStart, true
	case IssueRestartLoop:
		return StrategyCooldown, true
	}
	return "", false
}
