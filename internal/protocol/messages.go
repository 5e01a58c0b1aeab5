package protocol

import "time"

// StoryGenerated is broadcast after every story request, successful or not.
type StoryGenerated struct {
	Outcome   string    `json:"outcome"`
	ImagePath string    `json:"image_path"`
	Chars     int       `json:"chars"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioSynthesized is broadcast after every speech request.
type AudioSynthesized struct {
	AudioPath   string    `json:"audio_path"`
	Bytes       int64     `json:"bytes"`
	Placeholder bool      `json:"placeholder"`
	Cause       string    `json:"cause,omitempty"`
	LatencyMS   int64     `json:"latency_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectStoryGenerated   = "storyteller.story.generated"
	SubjectAudioSynthesized = "storyteller.audio.synthesized"
	SubjectAll              = "storyteller.>"
)
