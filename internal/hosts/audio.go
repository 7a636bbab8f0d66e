package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brackwood/nexus/internal/bus"
)

// STTProvider transcribes speech from an audio file on disk. Audio
// payloads ride as file paths rather than inline bytes: voice clips
// routinely exceed bus.BinaryThreshold.
type STTProvider interface {
	Transcribe(ctx context.Context, audioPath string) (text string, err error)
}

// TTSProvider synthesizes speech, writing the result to a file and
// returning its path.
type TTSProvider interface {
	Synthesize(ctx context.Context, text, voice string) (audioPath string, err error)
}

// VADProvider reports whether an audio file contains speech, and over
// which spans.
type VADProvider interface {
	Detect(ctx context.Context, audioPath string) (segments []VoiceSegment, err error)
}

// VoiceSegment is one detected speech span, in seconds from the start
// of the clip.
type VoiceSegment struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// STTRequest is the ai.audio.stt payload.
type STTRequest struct {
	AudioPath string `json:"audio_path"`
}

// STTReply is the ai.audio.stt response.
type STTReply struct {
	Text string `json:"text"`
}

// TTSRequest is the ai.audio.tts payload.
type TTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// TTSReply is the ai.audio.tts response.
type TTSReply struct {
	AudioPath string `json:"audio_path"`
}

// VADRequest is the ai.audio.vad payload.
type VADRequest struct {
	AudioPath string `json:"audio_path"`
}

// VADReply is the ai.audio.vad response.
type VADReply struct {
	Segments []VoiceSegment `json:"segments"`
}

const defaultTTSVoice = "default"

// AudioHost exposes ai.audio.* over the bus: speech-to-text,
// text-to-speech, and voice-activity detection, each wrapping an
// injected backend the way LLMHost wraps an llm.Client.
type AudioHost struct {
	b      *bus.Bus
	stt    STTProvider
	tts    TTSProvider
	vad    VADProvider
	logger *slog.Logger

	mu    sync.RWMutex
	ready bool
}

// NewAudioHost registers ai.audio.stt, ai.audio.tts, and ai.audio.vad
// handlers.
func NewAudioHost(b *bus.Bus, stt STTProvider, tts TTSProvider, vad VADProvider, log *slog.Logger) (*AudioHost, func(), error) {
	h := &AudioHost{b: b, stt: stt, tts: tts, vad: vad, logger: logger(log, "audio"), ready: true}

	cancelSTT, err := handle(b, "ai.audio.stt", h.handleSTT)
	if err != nil {
		return nil, nil, fmt.Errorf("register ai.audio.stt: %w", err)
	}
	cancelTTS, err := handle(b, "ai.audio.tts", h.handleTTS)
	if err != nil {
		cancelSTT()
		return nil, nil, fmt.Errorf("register ai.audio.tts: %w", err)
	}
	cancelVAD, err := handle(b, "ai.audio.vad", h.handleVAD)
	if err != nil {
		cancelSTT()
		cancelTTS()
		return nil, nil, fmt.Errorf("register ai.audio.vad: %w", err)
	}

	return h, func() { cancelSTT(); cancelTTS(); cancelVAD() }, nil
}

func (h *AudioHost) handleSTT(ctx context.Context, req STTRequest) (STTReply, error) {
	if req.AudioPath == "" {
		return STTReply{}, fmt.Errorf("stt: audio_path is required")
	}
	text, err := h.stt.Transcribe(ctx, req.AudioPath)
	h.setReady(err == nil)
	if err != nil {
		return STTReply{}, err
	}
	return STTReply{Text: text}, nil
}

func (h *AudioHost) handleTTS(ctx context.Context, req TTSRequest) (TTSReply, error) {
	if req.Text == "" {
		return TTSReply{}, fmt.Errorf("tts: text is required")
	}
	voice := req.Voice
	if voice == "" {
		voice = defaultTTSVoice
	}
	path, err := h.tts.Synthesize(ctx, req.Text, voice)
	h.setReady(err == nil)
	if err != nil {
		return TTSReply{}, err
	}
	return TTSReply{AudioPath: path}, nil
}

func (h *AudioHost) handleVAD(ctx context.Context, req VADRequest) (VADReply, error) {
	if req.AudioPath == "" {
		return VADReply{}, fmt.Errorf("vad: audio_path is required")
	}
	segments, err := h.vad.Detect(ctx, req.AudioPath)
	if err != nil {
		return VADReply{}, err
	}
	return VADReply{Segments: segments}, nil
}

func (h *AudioHost) setReady(ready bool) {
	h.mu.Lock()
	h.ready = ready
	h.mu.Unlock()
}

// Info reports last-known backend reachability, inferred the same way
// VisionHost's is: from the outcome of the most recent operation.
func (h *AudioHost) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Info{Name: "audio", Ready: h.ready}
}

// Reload is a no-op: the audio backends carry no swappable default
// model analogous to the LLM host's active model.
func (h *AudioHost) Reload(ctx context.Context, payload json.RawMessage) error {
	return nil
}
