package protocol

import "time"

// SpeakSettings carries per-request overrides. Zero values fall back to the
// configured speak defaults.
type SpeakSettings struct {
	Rate     float64  `json:"rate,omitempty"`
	Pitch    float64  `json:"pitch,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
	MaxChars int      `json:"max_chars,omitempty"`
}

// SpeakRequest asks the reader to read text aloud.
type SpeakRequest struct {
	Text     string        `json:"text"`
	VoiceID  string        `json:"voice_id,omitempty"`
	Preset   string        `json:"preset,omitempty"`
	Source   string        `json:"source,omitempty"`
	Settings SpeakSettings `json:"settings,omitempty"`
}

type SpeakReply struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// CancelRequest cancels JobID, or the active job when JobID is empty.
type CancelRequest struct {
	JobID string `json:"job_id,omitempty"`
}

type CancelReply struct {
	Canceled bool   `json:"canceled"`
	JobID    string `json:"job_id,omitempty"`
}

// AudioChunk is one block of mono 16-bit little-endian PCM.
type AudioChunk struct {
	JobID      string `json:"job_id"`
	ChunkIndex int    `json:"chunk_index"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// SelectionCaptured is published by the hotkey collaborator with the text the
// user selected.
type SelectionCaptured struct {
	Text      string    `json:"text"`
	App       string    `json:"app,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeak             = "reader.speak"
	SubjectCancel            = "reader.cancel"
	SubjectAudio             = "reader.audio"
	SubjectJobEvent          = "reader.job.event"
	SubjectSelectionCaptured = "reader.selection.captured"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)
