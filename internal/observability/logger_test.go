package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lumenstudio/media-orchestrator/internal/config"
)

func TestNewLoggerProdEmitsJSONWithIdentity(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, config.Config{AppEnv: "prod", OTELServiceName: "media-orchestrator"})

	log.Debug("hidden")
	log.Info("batch settled", "job_id", "b-1")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "hidden") {
		t.Fatal("prod logger must drop debug records")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("prod output is not JSON: %v\n%s", err, line)
	}
	if rec["service"] != "media-orchestrator" || rec["env"] != "prod" {
		t.Errorf("missing identity attrs: %v", rec)
	}
	if _, ok := rec["host"]; !ok {
		t.Errorf("missing host attr: %v", rec)
	}
	if rec["pid"] == nil {
		t.Errorf("missing pid attr: %v", rec)
	}
	if rec["job_id"] != "b-1" {
		t.Errorf("call attrs lost: %v", rec)
	}
}

func TestNewLoggerDevEmitsDebugText(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, config.Config{AppEnv: "dev", OTELServiceName: "media-orchestrator"})

	log.Debug("claim cycle", "claimed", 2)

	out := buf.String()
	if !strings.Contains(out, "claim cycle") {
		t.Fatal("dev logger must emit debug records")
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Error("dev output should be text, not JSON")
	}
}
