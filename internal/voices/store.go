package voices

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/voicereader/internal/audio"
)

const (
	DefaultVoiceID   = "0"
	metaFileName     = "meta.json"
	ReferenceWAVName = "reference.wav"
)

var (
	ErrVoiceNotFound         = errors.New("voice not found")
	ErrDefaultVoiceImmutable = errors.New("built-in default voice cannot be modified or deleted")
	ErrInvalidVoiceID        = fmt.Errorf(`%w: voice id must be "0" or a UUID`, ErrVoiceNotFound)
)

// Meta is the persisted description of a saved voice.
type Meta struct {
	VoiceID      string    `json:"voice_id"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	TTSModelID   string    `json:"tts_model_id"`
	LanguageHint string    `json:"language_hint"`
	Description  *string   `json:"description,omitempty"`
	RefText      *string   `json:"ref_text,omitempty"`
}

// Store keeps saved voices under <data_dir>/voices/<id>/.
type Store struct {
	dir       string
	presetDir string
	modelID   string
	clock     func() time.Time

	mu       sync.Mutex
	onDelete []func(voiceID string)
}

// Open prepares the voice directory. presetDir holds <preset>.safetensors
// prompts; an empty presetDir accepts any preset name without a file.
func Open(dataDir, presetDir, modelID string) (*Store, error) {
	dir := filepath.Join(dataDir, "voices")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create voices dir: %w", err)
	}
	return &Store{dir: dir, presetDir: presetDir, modelID: modelID, clock: time.Now}, nil
}

// OnDelete registers fn to run after a voice is removed.
func (s *Store) OnDelete(fn func(voiceID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = append(s.onDelete, fn)
}

func (s *Store) defaultMeta() Meta {
	return Meta{
		VoiceID:      DefaultVoiceID,
		DisplayName:  "Default Built-in Voice",
		CreatedAt:    time.Unix(0, 0).UTC(),
		TTSModelID:   s.modelID,
		LanguageHint: "auto",
	}
}

// List returns the default voice followed by saved voices, oldest first.
// Unreadable entries are skipped.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read voices dir: %w", err)
	}
	var saved []Meta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMeta(entry.Name())
		if err != nil {
			continue
		}
		saved = append(saved, meta)
	}
	sort.SliceStable(saved, func(i, j int) bool {
		return saved[i].CreatedAt.Before(saved[j].CreatedAt)
	})
	return append([]Meta{s.defaultMeta()}, saved...), nil
}

func (s *Store) Get(voiceID string) (Meta, error) {
	if voiceID == DefaultVoiceID {
		return s.defaultMeta(), nil
	}
	if err := validateID(voiceID); err != nil {
		return Meta{}, err
	}
	return s.readMeta(voiceID)
}

// Clone saves a new voice from a reference WAV clip.
func (s *Store) Clone(displayName string, wavBytes []byte, language, refText string) (Meta, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return Meta{}, errors.New("display name must not be empty")
	}
	if _, err := audio.InspectWAV(bytes.NewReader(wavBytes)); err != nil {
		return Meta{}, err
	}

	id := uuid.NewString()
	voiceDir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(voiceDir, 0o755); err != nil {
		return Meta{}, fmt.Errorf("create voice dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(voiceDir, ReferenceWAVName), wavBytes, 0o644); err != nil {
		_ = os.RemoveAll(voiceDir)
		return Meta{}, fmt.Errorf("write reference audio: %w", err)
	}

	if language = strings.TrimSpace(language); language == "" {
		language = "en"
	}
	meta := Meta{
		VoiceID:      id,
		DisplayName:  displayName,
		CreatedAt:    s.clock().UTC(),
		TTSModelID:   s.modelID,
		LanguageHint: language,
	}
	if refText = strings.TrimSpace(refText); refText != "" {
		meta.RefText = &refText
	}
	if err := s.writeMeta(meta); err != nil {
		_ = os.RemoveAll(voiceDir)
		return Meta{}, err
	}
	return meta, nil
}

// Update changes a saved voice's display fields. An empty language keeps the
// current hint; an empty description clears it.
func (s *Store) Update(voiceID, displayName, language, description string) (Meta, error) {
	if voiceID == DefaultVoiceID {
		return Meta{}, ErrDefaultVoiceImmutable
	}
	meta, err := s.Get(voiceID)
	if err != nil {
		return Meta{}, err
	}
	if displayName = strings.TrimSpace(displayName); displayName != "" {
		meta.DisplayName = displayName
	}
	if language = strings.TrimSpace(language); language != "" {
		meta.LanguageHint = language
	}
	meta.Description = nil
	if description = strings.TrimSpace(description); description != "" {
		meta.Description = &description
	}
	if err := s.writeMeta(meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

func (s *Store) Delete(voiceID string) error {
	if voiceID == DefaultVoiceID {
		return ErrDefaultVoiceImmutable
	}
	if err := validateID(voiceID); err != nil {
		return err
	}
	voiceDir := filepath.Join(s.dir, voiceID)
	if _, err := os.Stat(voiceDir); err != nil {
		return fmt.Errorf("%w: %s", ErrVoiceNotFound, voiceID)
	}
	if err := os.RemoveAll(voiceDir); err != nil {
		return fmt.Errorf("remove voice dir: %w", err)
	}

	s.mu.Lock()
	hooks := append([]func(string){}, s.onDelete...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(voiceID)
	}
	return nil
}

func (s *Store) readMeta(voiceID string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, voiceID, metaFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, fmt.Errorf("%w: %s", ErrVoiceNotFound, voiceID)
		}
		return Meta{}, fmt.Errorf("read voice meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parse voice meta %s: %w", voiceID, err)
	}
	return meta, nil
}

func (s *Store) writeMeta(meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode voice meta: %w", err)
	}
	path := filepath.Join(s.dir, meta.VoiceID, metaFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write voice meta: %w", err)
	}
	return nil
}

func validateID(voiceID string) error {
	if _, err := uuid.Parse(voiceID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidVoiceID, voiceID)
	}
	return nil
}
