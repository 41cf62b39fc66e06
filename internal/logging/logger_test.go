package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/chaz8081/rf433-gateway/internal/config"
)

func TestNewJSONCarriesDefaultAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "1.2.3", &buf)

	logger.Info("listening", "port", 7433)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON: %q (%v)", buf.String(), err)
	}
	if rec["service"] != ServiceName || rec["version"] != "1.2.3" {
		t.Errorf("record = %v", rec)
	}
	if rec["msg"] != "listening" || rec["port"] != float64(7433) {
		t.Errorf("record = %v", rec)
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"error", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(config.LoggingConfig{Level: tt.level, Format: "text"}, "dev", &buf)
			logger.Debug("dbg-line")
			logger.Info("info-line")

			out := buf.String()
			if got := strings.Contains(out, "dbg-line"); got != tt.wantDebug {
				t.Errorf("debug logged = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.Contains(out, "info-line"); got != tt.wantInfo {
				t.Errorf("info logged = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, "dev", &buf).Info("hello")
	if !strings.Contains(buf.String(), "service=rf433-gateway") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestNewDefaultsToStderr(t *testing.T) {
	if New(config.LoggingConfig{}, "dev") == nil {
		t.Fatal("New returned nil")
	}
}
