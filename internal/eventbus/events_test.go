package eventbus

import (
	"encoding/json"
	"testing"
)

func TestNewLogEvent(t *testing.T) {
	ev := NewLog(LevelWarn, "worker-1", "careful")

	if ev.Kind != KindLog {
		t.Errorf("Kind = %s, want %s", ev.Kind, KindLog)
	}
	if ev.ID == "" {
		t.Error("ID should be generated")
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if ev.Log == nil || ev.Log.Level != LevelWarn {
		t.Errorf("Log payload = %+v, want level WARN", ev.Log)
	}
	if ev.Status != nil || ev.Command != nil || ev.Metrics != nil || ev.Progress != nil {
		t.Error("only the log payload should be set")
	}
}

func TestWorkUnitRef(t *testing.T) {
	log := NewLog(LevelInfo, "w", "m")
	log.Log.WorkUnitID = "u1"

	cases := []struct {
		name string
		ev   Event
		want string
	}{
		{"log", log, "u1"},
		{"status", NewStatus("u2", "running"), "u2"},
		{"command", NewCommand(CommandCancel, "u3"), "u3"},
		{"metrics", NewMetrics(MetricsPayload{}), ""},
		{"progress", NewProgress("op", 1, 2), ""},
	}
	for _, tc := range cases {
		if got := tc.ev.WorkUnitRef(); got != tc.want {
			t.Errorf("%s: WorkUnitRef = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestEventSource(t *testing.T) {
	if got := NewLog(LevelInfo, "pool", "m").Source(); got != "pool" {
		t.Errorf("Source = %q, want pool", got)
	}
	if got := NewStatus("u1", "running").Source(); got != "" {
		t.Errorf("Source for status = %q, want empty", got)
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := NewStatus("u1", "running")
	progress := 0.25
	ev.Status.Progress = &progress

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Kind != KindStatus {
		t.Errorf("Kind = %s, want status", decoded.Kind)
	}
	if decoded.Status == nil || decoded.Status.WorkUnitID != "u1" {
		t.Errorf("Status = %+v, want work unit u1", decoded.Status)
	}
	if decoded.Status.Progress == nil || *decoded.Status.Progress != 0.25 {
		t.Errorf("Progress = %v, want 0.25", decoded.Status.Progress)
	}
	if decoded.Log != nil {
		t.Error("log payload should stay nil through a round trip")
	}
}

func TestFormatLog(t *testing.T) {
	ev := NewLog(LevelInfo, "worker-1", "starting")
	got := ev.FormatLog()
	if got == "" {
		t.Fatal("FormatLog should render log events")
	}
	if want := "[worker-1] starting"; len(got) < len(want) {
		t.Errorf("FormatLog = %q, too short", got)
	}

	if NewStatus("u1", "running").FormatLog() != "" {
		t.Error("FormatLog should be empty for non-log events")
	}
}
