package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/loqalabs/voicereader/internal/audio"
	"github.com/loqalabs/voicereader/internal/chunking"
	"github.com/loqalabs/voicereader/internal/config"
	"github.com/loqalabs/voicereader/internal/runtime"
	"github.com/loqalabs/voicereader/internal/tts"
	"github.com/loqalabs/voicereader/internal/voices"
)

var version = "0.1.0-dev"

const usage = "expected 'speak', 'chunks', 'voices' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "speak":
		err = runSpeak(os.Args[2:])
	case "chunks":
		err = runChunks(os.Args[2:])
	case "voices":
		err = runVoices(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// readText returns the -text flag, the -file contents, or stdin, in that order.
func readText(text, file string) (string, error) {
	switch {
	case text != "":
		return text, nil
	case file == "-" || file == "":
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	default:
		data, err := os.ReadFile(file)
		return string(data), err
	}
}

func runSpeak(args []string) error {
	fs := flag.NewFlagSet("speak", flag.ExitOnError)
	configPath := fs.String("config", "voicereader.yaml", "Path to configuration file")
	text := fs.String("text", "", "Text to read")
	file := fs.String("file", "", "Read text from file (- for stdin)")
	out := fs.String("out", "speech.wav", "Output WAV path")
	voiceID := fs.String("voice", "", "Voice id (default from config)")
	preset := fs.String("preset", "", "Preset for the default voice")
	rate := fs.Float64("rate", 0, "Speaking rate (default from config)")
	volume := fs.Float64("volume", -1, "Volume 0..2 (default from config)")
	maxChars := fs.Int("max-chars", 0, "Chunk size in characters (default from config)")
	verbose := fs.Bool("v", false, "Verbose logging")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	input, err := readText(*text, *file)
	if err != nil {
		return err
	}

	speak := cfg.Synthesis.Speak
	req := tts.SpeakRequest{
		VoiceID:  firstNonEmpty(*voiceID, speak.VoiceID),
		Preset:   firstNonEmpty(*preset, speak.Preset),
		Text:     input,
		MaxChars: speak.ChunkMaxChars,
		Rate:     speak.Rate,
		Pitch:    speak.Pitch,
		Volume:   speak.Volume,
		Source:   "cli",
	}
	if *rate > 0 {
		req.Rate = *rate
	}
	if *volume >= 0 {
		req.Volume = *volume
	}
	if *maxChars > 0 {
		req.MaxChars = *maxChars
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(*verbose)
	synth, err := runtime.NewSynthesis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer synth.Close()

	var (
		pcm        []int16
		sampleRate int
		chunks     int
	)
	state, err := synth.Backend.Run(ctx, req, tts.NewCancelFlag(), func(index int, block []int16, sr int) error {
		if sampleRate != 0 && sr != sampleRate {
			return fmt.Errorf("sample rate changed from %d to %d", sampleRate, sr)
		}
		sampleRate = sr
		pcm = append(pcm, block...)
		chunks++
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", tts.ErrorCode(err), err)
	}
	if state == tts.EndCanceled {
		return errors.New("canceled")
	}
	if len(pcm) == 0 {
		return errors.New("no audio produced")
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := audio.WriteWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d chunks, %.2fs at %d Hz)\n", *out, chunks, float64(len(pcm))/float64(sampleRate), sampleRate)
	return nil
}

func runChunks(args []string) error {
	fs := flag.NewFlagSet("chunks", flag.ExitOnError)
	text := fs.String("text", "", "Text to segment")
	file := fs.String("file", "", "Read text from file (- for stdin)")
	maxChars := fs.Int("max-chars", 200, "Chunk size in characters")
	_ = fs.Parse(args)

	input, err := readText(*text, *file)
	if err != nil {
		return err
	}
	for i, chunk := range chunking.Segment(input, *maxChars, chunking.SplitSentences) {
		fmt.Printf("%3d %4d  %s\n", i, len([]rune(chunk)), chunk)
	}
	return nil
}

func runVoices(args []string) error {
	if len(args) < 1 {
		return errors.New("expected 'voices list', 'voices clone', 'voices rename <id>' or 'voices delete <id>'")
	}
	fs := flag.NewFlagSet("voices "+args[0], flag.ExitOnError)
	configPath := fs.String("config", "voicereader.yaml", "Path to configuration file")
	name := fs.String("name", "", "Display name for a cloned voice")
	wavPath := fs.String("wav", "", "Reference WAV for a cloned voice")
	language := fs.String("language", "", "Language hint for a cloned voice")
	refText := fs.String("ref-text", "", "Transcript of the reference audio")
	description := fs.String("description", "", "Description for a renamed voice")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := voices.Open(cfg.DataDir, "", cfg.Synthesis.Model.ModelID)
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		list, err := store.List()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tLANGUAGE\tCREATED")
		for _, v := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.VoiceID, v.DisplayName, v.LanguageHint, v.CreatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	case "clone":
		if *wavPath == "" || strings.TrimSpace(*name) == "" {
			return errors.New("voices clone requires -name and -wav")
		}
		data, err := os.ReadFile(*wavPath)
		if err != nil {
			return err
		}
		meta, err := store.Clone(*name, data, *language, *refText)
		if err != nil {
			return err
		}
		fmt.Println(meta.VoiceID)
		return nil
	case "rename":
		if fs.NArg() != 1 {
			return errors.New("voices rename requires a voice id")
		}
		meta, err := store.Update(fs.Arg(0), *name, *language, *description)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", meta.VoiceID, meta.DisplayName)
		return nil
	case "delete":
		if fs.NArg() != 1 {
			return errors.New("voices delete requires a voice id")
		}
		return store.Delete(fs.Arg(0))
	default:
		return fmt.Errorf("unknown voices command %q", args[0])
	}
}

func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "voicereader.yaml" {
		path = ""
	}
	return config.Load(path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
