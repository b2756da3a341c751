package tts

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func encodeFloat32(samples []float32) string {
	raw := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// writeScript writes a model command that ignores its request and prints
// lines.
func writeScript(t *testing.T, lines ...string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := "cat > /dev/null\n"
	for _, line := range lines {
		script += "echo '" + line + "'\n"
	}
	path := filepath.Join(t.TempDir(), "model.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return "sh " + path
}

func testPrompt(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alba.safetensors")
	if err := os.WriteFile(path, []byte("prompt"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	return path
}

func TestExecModelStreamsBlocks(t *testing.T) {
	command := writeScript(t,
		`{"samples":"`+encodeFloat32([]float32{0.5, -0.25})+`"}`,
		`{"samples":"`+encodeFloat32([]float32{1})+`","final":true}`,
	)
	model, err := NewExecModel(command, 24000, "/tmp/config.yaml")
	if err != nil {
		t.Fatalf("new exec model: %v", err)
	}
	state, err := model.VoiceStateFromPrompt(testPrompt(t))
	if err != nil {
		t.Fatalf("voice state: %v", err)
	}

	var blocks [][]float32
	for block, err := range model.GenerateStream(context.Background(), "Hello.", state) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		blocks = append(blocks, block)
	}
	if len(blocks) != 2 || len(blocks[0]) != 2 || blocks[0][1] != -0.25 || blocks[1][0] != 1 {
		t.Fatalf("unexpected blocks: %v", blocks)
	}

	samples, err := model.Generate(context.Background(), "Hello.", state)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
}

func TestExecModelReportsErrors(t *testing.T) {
	command := writeScript(t, `{"error":"voice prompt unreadable"}`)
	model, err := NewExecModel(command, 24000, "")
	if err != nil {
		t.Fatalf("new exec model: %v", err)
	}
	state, err := model.VoiceStateFromPrompt(testPrompt(t))
	if err != nil {
		t.Fatalf("voice state: %v", err)
	}
	if _, err := model.Generate(context.Background(), "Hello.", state); !errors.Is(err, ErrModelFailure) {
		t.Fatalf("expected ErrModelFailure, got %v", err)
	}
}

func TestExecModelMissingVoiceFile(t *testing.T) {
	model, err := NewExecModel("true", 24000, "")
	if err != nil {
		t.Fatalf("new exec model: %v", err)
	}
	if _, err := model.VoiceStateFromAudio(filepath.Join(t.TempDir(), "missing.wav")); !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("expected ErrVoiceNotFound, got %v", err)
	}
}

func TestNewExecModelRejectsBadCommand(t *testing.T) {
	for _, command := range []string{"", `model "unterminated`} {
		if _, err := NewExecModel(command, 24000, ""); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("command %q: expected ErrConfiguration, got %v", command, err)
		}
	}
}
