package heal

import "testing"

func TestAssess(t *testing.T) {
	tests := []struct {
		name     string
		service  Service
		level    Level
		dominant Issue
	}{
		{"running healthy", Service{State: "running"}, LevelHealthy, ""},
		{"exited", Service{State: "exited"}, LevelCritical, IssueNotRunning},
		{"created", Service{State: "created"}, LevelCritical, IssueNotRunning},
		{"paused", Service{State: "paused"}, LevelCritical, IssueNotRunning},
		{"probe unhealthy", Service{State: "running", Health: "unhealthy"}, LevelCritical, IssueProbeUnhealthy},
		{"probe starting is fine", Service{State: "running", Health: "starting"}, LevelHealthy, ""},
		{"restarting", Service{State: "restarting"}, LevelWarning, IssueRestarting},
		{"restarting and unhealthy", Service{State: "restarting", Health: "unhealthy"}, LevelCritical, IssueProbeUnhealthy},
		{"memory critical", Service{State: "running", MemPercent: 96}, LevelCritical, IssueMemHigh},
		{"memory warning", Service{State: "running", MemPercent: 86}, LevelWarning, IssueMemWarn},
		{"memory at warn boundary", Service{State: "running", MemPercent: 85}, LevelHealthy, ""},
		{"restart loop", Service{State: "running", RestartCount: 6}, LevelWarning, IssueRestartLoop},
		{"restart count at boundary", Service{State: "running", RestartCount: 5}, LevelHealthy, ""},
		{"exited in restart loop", Service{State: "exited", RestartCount: 9}, LevelCritical, IssueNotRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Assess(tt.service)
			if a.Level != tt.level {
				t.Errorf("Level = %s, want %s", a.Level, tt.level)
			}
			if got := a.Dominant(); got != tt.dominant {
				t.Errorf("Dominant() = %q, want %q", got, tt.dominant)
			}
		})
	}
}

func TestAssessCollectsAllIssues(t *testing.T) {
	a := Assess(Service{State: "exited", MemPercent: 97, RestartCount: 8})
	if len(a.Issues) != 3 {
		t.Fatalf("Issues = %v, want 3 entries", a.Issues)
	}
	if a.Issues[0] != IssueNotRunning || a.Issues[1] != IssueMemHigh || a.Issues[2] != IssueRestartLoop {
		t.Errorf("Issues = %v, want priority order", a.Issues)
	}
	if a.Level != LevelCritical {
		t.Errorf("Level = %s, want critical", a.Level)
	}
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		issue    Issue
		strategy Strategy
		ok       bool
	}{
		{IssueNotRunning, StrategyStart, true},
		{IssueProbeUnhealthy, StrategyRestart, true},
		{IssueMemHigh, StrategyRestart, true},
		{IssueMemWarn, StrategyRestart, true},
		{IssueRestarting, StrategyKillStart, true},
		{IssueRestartLoop, StrategyCooldown, true},
		{Issue("mystery"), "", false},
	}
	for _, tt := range tests {
		got, ok := strategyFor(tt.issue)
		if got != tt.strategy || ok != tt.ok {
			t.Errorf("strategyFor(%s) = %q, %v, want %q, %v", tt.issue, got, ok, tt.strategy, tt.ok)
		}
	}
}
