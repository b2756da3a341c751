package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/voicereader/internal/chunking"
	"github.com/loqalabs/voicereader/internal/voices"
)

// execModel runs an external inference command once per call. The command
// reads one JSON request on stdin and answers with JSON lines of base64
// little-endian float32 samples.
type execModel struct {
	cmd        []string
	sampleRate int
	configPath string
	mu         sync.Mutex
}

type execVoice struct {
	Kind voices.SourceKind `json:"kind"`
	Path string            `json:"path"`
}

func (v execVoice) Clone() VoiceState { return v }

type execRequest struct {
	Op         string    `json:"op"`
	Text       string    `json:"text"`
	Voice      execVoice `json:"voice"`
	Stream     bool      `json:"stream"`
	SampleRate int       `json:"sample_rate"`
	Config     string    `json:"config,omitempty"`
}

type execResponse struct {
	Samples string `json:"samples"`
	Final   bool   `json:"final"`
	Error   string `json:"error"`
}

// NewExecModel parses command with shell quoting rules. configPath is the
// prepared runtime config handed to the command with each request.
func NewExecModel(command string, sampleRate int, configPath string) (Model, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("%w: parse model command: %v", ErrConfiguration, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: model command empty", ErrConfiguration)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive", ErrConfiguration)
	}
	return &execModel{cmd: args, sampleRate: sampleRate, configPath: configPath}, nil
}

func (e *execModel) SampleRate() int { return e.sampleRate }

func (e *execModel) SplitIntoBestSentences(text string) []string {
	return chunking.SplitSentences(text)
}

func (e *execModel) VoiceStateFromPrompt(path string) (VoiceState, error) {
	return e.voiceFromFile(voices.SourcePreset, path)
}

func (e *execModel) VoiceStateFromAudio(path string) (VoiceState, error) {
	return e.voiceFromFile(voices.SourceReference, path)
}

func (e *execModel) voiceFromFile(kind voices.SourceKind, path string) (VoiceState, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVoiceNotFound, path)
	}
	return execVoice{Kind: kind, Path: path}, nil
}

func (e *execModel) Generate(ctx context.Context, text string, state VoiceState) ([]float32, error) {
	var out []float32
	for block, err := range e.run(ctx, text, state, false) {
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

func (e *execModel) GenerateStream(ctx context.Context, text string, state VoiceState) iter.Seq2[[]float32, error] {
	return e.run(ctx, text, state, true)
}

func (e *execModel) run(ctx context.Context, text string, state VoiceState, stream bool) iter.Seq2[[]float32, error] {
	return func(yield func([]float32, error) bool) {
		voice, ok := state.(execVoice)
		if !ok {
			yield(nil, fmt.Errorf("%w: unsupported voice state %T", ErrModelFailure, state))
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()

		data, err := json.Marshal(execRequest{
			Op:         "generate",
			Text:       text,
			Voice:      voice,
			Stream:     stream,
			SampleRate: e.sampleRate,
			Config:     e.configPath,
		})
		if err != nil {
			yield(nil, fmt.Errorf("%w: encode request: %v", ErrModelFailure, err))
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(data)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(nil, fmt.Errorf("%w: stdout pipe: %v", ErrModelFailure, err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(nil, fmt.Errorf("%w: start model command: %v", ErrModelFailure, err))
			return
		}
		waited := false
		// Stopping early kills the process through ctx; Wait reaps it.
		defer func() {
			if !waited {
				cancel()
				_ = cmd.Wait()
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				yield(nil, fmt.Errorf("%w: decode response: %v", ErrModelFailure, err))
				return
			}
			if resp.Error != "" {
				yield(nil, fmt.Errorf("%w: %s", ErrModelFailure, resp.Error))
				return
			}
			samples, err := decodeFloat32(resp.Samples)
			if err != nil {
				yield(nil, fmt.Errorf("%w: %v", ErrModelFailure, err))
				return
			}
			if len(samples) > 0 && !yield(samples, nil) {
				return
			}
			if resp.Final {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("%w: read output: %v", ErrModelFailure, err))
			return
		}
		// drain anything after the final line so Wait does not block on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
		waited = true
		if err := cmd.Wait(); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
			yield(nil, fmt.Errorf("%w: model command: %v: %s", ErrModelFailure, err, bytes.TrimSpace(stderr.Bytes())))
		}
	}
}

func decodeFloat32(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("sample payload not aligned (%d bytes)", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
