package voices

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type SourceKind string

const (
	SourcePreset    SourceKind = "preset"
	SourceReference SourceKind = "reference"
)

// Source says where a voice state comes from and how it is cached.
type Source struct {
	Kind     SourceKind
	Path     string
	CacheKey string
}

// PresetCacheKey and VoiceCacheKey name voice states in the engine cache.
func PresetCacheKey(preset string) string { return "preset:" + preset }
func VoiceCacheKey(voiceID string) string { return "voice:" + voiceID }

// Resolve maps a voice id to its state source. The default voice uses the
// preset prompt; saved voices use their reference clip.
func (s *Store) Resolve(voiceID, preset string) (Source, error) {
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" || voiceID == DefaultVoiceID {
		return s.resolvePreset(preset)
	}
	meta, err := s.Get(voiceID)
	if err != nil {
		return Source{}, err
	}
	ref := filepath.Join(s.dir, meta.VoiceID, ReferenceWAVName)
	if _, err := os.Stat(ref); err != nil {
		return Source{}, fmt.Errorf("%w: saved voice %s is missing reference audio", ErrVoiceNotFound, voiceID)
	}
	return Source{Kind: SourceReference, Path: ref, CacheKey: VoiceCacheKey(meta.VoiceID)}, nil
}

func (s *Store) resolvePreset(preset string) (Source, error) {
	preset = strings.TrimSpace(preset)
	if preset == "" || strings.ContainsAny(preset, `/\`) || strings.Contains(preset, "..") {
		return Source{}, fmt.Errorf("%w: invalid preset %q", ErrVoiceNotFound, preset)
	}
	if s.presetDir == "" {
		return Source{Kind: SourcePreset, Path: preset, CacheKey: PresetCacheKey(preset)}, nil
	}
	path := filepath.Join(s.presetDir, preset+".safetensors")
	if _, err := os.Stat(path); err != nil {
		return Source{}, fmt.Errorf("%w: preset %s (missing %s)", ErrVoiceNotFound, preset, path)
	}
	return Source{Kind: SourcePreset, Path: path, CacheKey: PresetCacheKey(preset)}, nil
}
