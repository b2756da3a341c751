package voices

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/voicereader/internal/audio"
)

func wavBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	if err := audio.WriteWAV(f, make([]int16, 2400), 24000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func TestCloneListUpdateDelete(t *testing.T) {
	store, err := Open(t.TempDir(), "", "kyutai_pocket_tts")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	store.clock = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}

	first, err := store.Clone("Narrator", wavBytes(t), "", "hello there")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	second, err := store.Clone("Second", wavBytes(t), "de", "")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if first.LanguageHint != "en" || first.RefText == nil || *first.RefText != "hello there" {
		t.Fatalf("unexpected meta %+v", first)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].VoiceID != DefaultVoiceID || list[1].VoiceID != first.VoiceID || list[2].VoiceID != second.VoiceID {
		t.Fatalf("unexpected listing %+v", list)
	}

	updated, err := store.Update(first.VoiceID, "Storyteller", "", "warm")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.DisplayName != "Storyteller" || updated.LanguageHint != "en" || updated.Description == nil {
		t.Fatalf("unexpected update %+v", updated)
	}

	var evicted []string
	store.OnDelete(func(id string) { evicted = append(evicted, id) })
	if err := store.Delete(first.VoiceID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != first.VoiceID {
		t.Fatalf("expected delete hook, got %v", evicted)
	}
	if _, err := store.Get(first.VoiceID); !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("expected ErrVoiceNotFound after delete, got %v", err)
	}
	if err := store.Delete(first.VoiceID); !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("expected ErrVoiceNotFound on second delete, got %v", err)
	}
}

func TestDefaultVoiceIsImmutable(t *testing.T) {
	store, err := Open(t.TempDir(), "", "m")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Delete(DefaultVoiceID); !errors.Is(err, ErrDefaultVoiceImmutable) {
		t.Fatalf("expected immutable error, got %v", err)
	}
	if _, err := store.Update(DefaultVoiceID, "x", "", ""); !errors.Is(err, ErrDefaultVoiceImmutable) {
		t.Fatalf("expected immutable error, got %v", err)
	}
}

func TestCloneRejectsInvalidAudio(t *testing.T) {
	store, err := Open(t.TempDir(), "", "m")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Clone("Bad", []byte("nope"), "", ""); !errors.Is(err, audio.ErrInvalidWAV) {
		t.Fatalf("expected ErrInvalidWAV, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	dataDir := t.TempDir()
	presetDir := filepath.Join(t.TempDir(), "embeddings")
	if err := os.MkdirAll(presetDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(presetDir, "alba.safetensors"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write preset: %v", err)
	}
	store, err := Open(dataDir, presetDir, "m")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	src, err := store.Resolve(DefaultVoiceID, "alba")
	if err != nil {
		t.Fatalf("resolve preset: %v", err)
	}
	if src.Kind != SourcePreset || src.CacheKey != "preset:alba" {
		t.Fatalf("unexpected source %+v", src)
	}
	if _, err := store.Resolve(DefaultVoiceID, "missing"); !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("expected missing preset to be ErrVoiceNotFound, got %v", err)
	}
	if _, err := store.Resolve(DefaultVoiceID, "../alba"); !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("expected traversal preset to be rejected, got %v", err)
	}

	meta, err := store.Clone("Saved", wavBytes(t), "", "")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	src, err = store.Resolve(meta.VoiceID, "alba")
	if err != nil {
		t.Fatalf("resolve saved: %v", err)
	}
	if src.Kind != SourceReference || src.CacheKey != "voice:"+meta.VoiceID {
		t.Fatalf("unexpected source %+v", src)
	}
	if !strings.HasSuffix(src.Path, ReferenceWAVName) {
		t.Fatalf("expected reference wav path, got %s", src.Path)
	}
	if _, err := store.Resolve("00000000-0000-0000-0000-000000000000", "alba"); !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("expected unknown voice to be ErrVoiceNotFound, got %v", err)
	}
	if _, err := store.Resolve("../../etc", "alba"); !errors.Is(err, ErrInvalidVoiceID) {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}
