package sink

import (
	"os"
	"testing"

	"github.com/shortontech/previewguard/internal/event"
)

func withEnvVars(t *testing.T, vars map[string]string, fn func()) {
	t.Helper()
	oldValues := make(map[string]string)
	for key, val := range vars {
		oldValues[key] = os.Getenv(key)
		if val == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, val)
		}
	}
	defer func() {
		for key, val := range oldValues {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}()
	fn()
}

func sampleEvent(id string) event.SecurityEvent {
	return event.SecurityEvent{
		ID:        id,
		Type:      event.TypeCopyAttempt,
		Timestamp: 1704067200000,
		SessionID: "sess-1",
		FileID:    "file-1",
		Metadata:  map[string]any{"selection": 42},
	}
}

func sampleIncident(id string) event.Incident {
	return event.Incident{
		ID:           id,
		IncidentType: "screenshot_attempt",
		Severity:     event.SeverityHigh,
		Message:      "screenshot shortcut intercepted",
		Timestamp:    1704067200000,
		SessionID:    "sess-1",
		FileID:       "file-1",
	}
}

func TestGetEnvOr(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"returns default when not set", "", "default"},
		{"returns env value when set", "custom", "custom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnvVars(t, map[string]string{"TEST_SINK_STR": tt.value}, func() {
				if got := getEnvOr("TEST_SINK_STR", "default"); got != tt.want {
					t.Errorf("getEnvOr() = %q, want %q", got, tt.want)
				}
			})
		})
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		value        string
		defaultValue bool
		want         bool
	}{
		{"", true, true},
		{"1", false, true},
		{"t", false, true},
		{"true", false, true},
		{"y", false, true},
		{"yes", false, true},
		{"TRUE", false, true},
		{"  true  ", false, true},
		{"0", true, false},
		{"f", true, false},
		{"false", true, false},
		{"n", true, false},
		{"no", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Run("value="+tt.value, func(t *testing.T) {
			withEnvVars(t, map[string]string{"TEST_SINK_BOOL": tt.value}, func() {
				if got := getBoolEnv("TEST_SINK_BOOL", tt.defaultValue); got != tt.want {
					t.Errorf("getBoolEnv(%q) = %v, want %v", tt.value, got, tt.want)
				}
			})
		})
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"returns default when not set", "", 42},
		{"parses valid integer", "100", 100},
		{"returns default for invalid integer", "not-a-number", 42},
		{"parses negative integer", "-10", -10},
		{"parses zero", "0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnvVars(t, map[string]string{"TEST_SINK_INT": tt.value}, func() {
				if got := getIntEnv("TEST_SINK_INT", 42); got != tt.want {
					t.Errorf("getIntEnv() = %d, want %d", got, tt.want)
				}
			})
		})
	}
}
