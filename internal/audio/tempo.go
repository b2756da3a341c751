package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

var (
	// ErrPipeFailure covers spawn, read and exit failures of the tempo process.
	ErrPipeFailure = errors.New("tempo pipe failure")
	// ErrPipeWrite is returned when samples are pushed after the input closed.
	ErrPipeWrite = fmt.Errorf("%w: write to closed input", ErrPipeFailure)
)

const (
	MaxStepFactor = 1.35
	MinStepFactor = 0.5
	MaxStepClamp  = 2.0
)

// TempoPlan is a rate expressed as Steps chained stretches of Factor.
type TempoPlan struct {
	Steps  int
	Factor float64
}

// DecomposeRate splits rate into equal steps that each stay within
// MaxStepFactor (or its inverse when slowing down).
func DecomposeRate(rate float64) TempoPlan {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) || IsUnityRate(rate) {
		return TempoPlan{Steps: 1, Factor: 1.0}
	}
	r := rate
	if r < 1 {
		r = 1 / r
	}
	n := int(math.Ceil(math.Log(r)/math.Log(MaxStepFactor) - 1e-9))
	if n < 1 {
		n = 1
	}
	factor := math.Pow(rate, 1/float64(n))
	factor = math.Max(MinStepFactor, math.Min(MaxStepClamp, factor))
	return TempoPlan{Steps: n, Factor: factor}
}

// FrameSamples picks the delivery frame size for a plan. Larger stretch chains
// use larger frames.
func (p TempoPlan) FrameSamples() int {
	switch {
	case p.Steps <= 1:
		return 8192
	case p.Steps == 2:
		return 16384
	default:
		return 24576
	}
}

// SoxArgs builds the argument list for a raw mono s16le filter at sampleRate
// running the plan's tempo chain.
func SoxArgs(sampleRate int, plan TempoPlan, extra []string) []string {
	format := []string{
		"-t", "raw",
		"-r", strconv.Itoa(sampleRate),
		"-e", "signed-integer",
		"-b", "16",
		"-c", "1",
		"-L",
	}
	args := make([]string, 0, 2*len(format)+4*plan.Steps+len(extra)+2)
	args = append(args, extra...)
	args = append(args, format...)
	args = append(args, "-")
	args = append(args, format...)
	args = append(args, "-")
	factor := strconv.FormatFloat(plan.Factor, 'f', 6, 64)
	for i := 0; i < plan.Steps; i++ {
		args = append(args, "tempo", "-s", factor)
	}
	return args
}

// Adjuster streams PCM through an external filter process. A background
// reader drains the process output into an in-memory buffer so writes to the
// process input never stall on a full output pipe.
type Adjuster struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stderr     *bytes.Buffer
	frameBytes int
	logger     *slog.Logger

	writeMu     sync.Mutex
	inputClosed bool

	mu      sync.Mutex
	buf     []byte
	readErr error

	readerDone chan struct{}
	waitOnce   sync.Once
	waitErr    error
}

// StartAdjuster spawns path with args and returns a running adjuster that
// emits frames of frameSamples samples.
func StartAdjuster(path string, args []string, frameSamples int, logger *slog.Logger) (*Adjuster, error) {
	if frameSamples <= 0 {
		return nil, fmt.Errorf("%w: frame size must be positive", ErrPipeFailure)
	}
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrPipeFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrPipeFailure, err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrPipeFailure, path, err)
	}

	a := &Adjuster{
		cmd:        cmd,
		stdin:      stdin,
		stderr:     stderr,
		frameBytes: frameSamples * 2,
		logger:     logger.With(slog.String("component", "tempo"), slog.Int("pid", cmd.Process.Pid)),
		readerDone: make(chan struct{}),
	}
	go a.readLoop(stdout)
	return a, nil
}

func (a *Adjuster) readLoop(stdout io.Reader) {
	defer close(a.readerDone)
	chunk := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			a.mu.Lock()
			a.buf = append(a.buf, chunk[:n]...)
			a.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.mu.Lock()
				a.readErr = err
				a.mu.Unlock()
			}
			return
		}
	}
}

// PushSamples writes pcm to the process input.
func (a *Adjuster) PushSamples(pcm []int16) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.inputClosed {
		return ErrPipeWrite
	}
	if len(pcm) == 0 {
		return nil
	}
	if _, err := a.stdin.Write(Int16ToBytes(pcm)); err != nil {
		return fmt.Errorf("%w: %v", ErrPipeWrite, err)
	}
	return nil
}

// DrainAvailableFrames returns the complete frames buffered so far without
// waiting on the process.
func (a *Adjuster) DrainAvailableFrames() [][]int16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takeFramesLocked(false)
}

// FinishAndDrain closes the input, waits for the process and the reader to
// finish and returns every remaining frame. Trailing samples shorter than a
// frame are returned as a final partial frame.
func (a *Adjuster) FinishAndDrain() ([][]int16, error) {
	a.closeInput()
	<-a.readerDone
	if err := a.wait(); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrPipeFailure, err, bytes.TrimSpace(a.stderr.Bytes()))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.readErr != nil {
		return nil, fmt.Errorf("%w: read output: %v", ErrPipeFailure, a.readErr)
	}
	return a.takeFramesLocked(true), nil
}

// Abort closes the input, kills the process and discards buffered output.
func (a *Adjuster) Abort() {
	a.closeInput()
	if a.cmd.Process != nil {
		if err := a.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			a.logger.Debug("tempo process kill", slog.String("error", err.Error()))
		}
	}
	<-a.readerDone
	_ = a.wait()

	a.mu.Lock()
	a.buf = nil
	a.mu.Unlock()
}

func (a *Adjuster) closeInput() {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.inputClosed {
		return
	}
	a.inputClosed = true
	if err := a.stdin.Close(); err != nil {
		a.logger.Debug("tempo stdin close", slog.String("error", err.Error()))
	}
}

func (a *Adjuster) wait() error {
	a.waitOnce.Do(func() {
		a.waitErr = a.cmd.Wait()
	})
	return a.waitErr
}

func (a *Adjuster) takeFramesLocked(includePartial bool) [][]int16 {
	var frames [][]int16
	for len(a.buf) >= a.frameBytes {
		frames = append(frames, BytesToInt16(a.buf[:a.frameBytes]))
		a.buf = a.buf[a.frameBytes:]
	}
	if includePartial && len(a.buf) >= 2 {
		frames = append(frames, BytesToInt16(a.buf))
		a.buf = nil
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return frames
}
