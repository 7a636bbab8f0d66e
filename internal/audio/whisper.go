// Package audio provides the default backends the Audio Service Host
// wraps: speech-to-text against a local whisper.cpp server, and voice
// activity detection via webrtcvad-style energy framing, following the
// same httpkit client conventions the llm and vision packages use.
package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/brackwood/nexus/internal/httpkit"
)

// WhisperServer talks to a whisper.cpp server's /inference endpoint.
type WhisperServer struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWhisperServer creates an STT provider backed by a whisper.cpp server.
func NewWhisperServer(baseURL string, logger *slog.Logger) *WhisperServer {
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WhisperServer{
		baseURL: baseURL,
		logger:  logger.With("provider", "whisper.cpp"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(2*time.Minute),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type whisperInferenceResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads audioPath to the whisper.cpp server and returns
// the transcript.
func (w *WhisperServer) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy audio into request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var wire whisperInferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return wire.Text, nil
}

// PiperTTS talks to a Piper TTS HTTP wrapper, writing synthesized
// speech under outputDir.
type PiperTTS struct {
	baseURL    string
	outputDir  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPiperTTS creates a TTS provider backed by a Piper HTTP server.
func NewPiperTTS(baseURL, outputDir string, logger *slog.Logger) *PiperTTS {
	if baseURL == "" {
		baseURL = "http://localhost:5002"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PiperTTS{
		baseURL:   baseURL,
		outputDir: outputDir,
		logger:    logger.With("provider", "piper"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(time.Minute),
			httpkit.WithLogger(logger),
		),
	}
}

type piperRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// Synthesize requests speech audio for text in the given voice and
// writes the response body to a wav file under outputDir.
func (p *PiperTTS) Synthesize(ctx context.Context, text, voice string) (string, error) {
	body, err := json.Marshal(piperRequest{Text: text, Voice: voice})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/tts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("piper: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	path := filepath.Join(p.outputDir, fmt.Sprintf("tts-%d.wav", time.Now().UnixNano()))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return path, nil
}
