// Package vision provides the default backends the Vision Service Host
// wraps: OCR via a multimodal Ollama model and image generation via
// Stable Diffusion's webui /sdapi HTTP surface, following the same
// httpkit client conventions the llm package uses for Ollama/Anthropic.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brackwood/nexus/internal/httpkit"
)

// OllamaOCR uses a vision-capable Ollama model (e.g. "llava") to
// transcribe text out of an image.
type OllamaOCR struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaOCR creates an OCR provider backed by a local Ollama instance.
func NewOllamaOCR(baseURL, model string, logger *slog.Logger) *OllamaOCR {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llava"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaOCR{
		baseURL: baseURL,
		model:   model,
		logger:  logger.With("provider", "ollama-ocr"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(2*time.Minute),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaGenerateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

const ocrPrompt = "Transcribe all legible text in this image verbatim. Respond with only the transcribed text, no commentary."

// OCR reads imagePath, sends it to the vision model with a transcription
// prompt, and returns the model's response with surrounding whitespace
// trimmed. Confidence is a
// fixed estimate: Ollama's generate endpoint does not report one, so a
// flat mid-range value is reported rather than fabricating precision.
func (o *OllamaOCR) OCR(ctx context.Context, imagePath string) (string, float32, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", 0, fmt.Errorf("read image: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	body, err := json.Marshal(ollamaGenerateRequest{Model: o.model, Prompt: ocrPrompt, Images: []string{encoded}, Stream: false})
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("ocr: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var wire ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", 0, fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(wire.Response), 0.75, nil
}

// StableDiffusionWebUI generates images via AUTOMATIC1111's webui
// /sdapi/v1 HTTP surface, polling its progress endpoint to report
// percent-complete while the render runs.
type StableDiffusionWebUI struct {
	baseURL    string
	model      string
	outputDir  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewStableDiffusionWebUI creates an image generation provider. Rendered
// images are written under outputDir.
func NewStableDiffusionWebUI(baseURL, model, outputDir string, logger *slog.Logger) *StableDiffusionWebUI {
	if baseURL == "" {
		baseURL = "http://localhost:7860"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StableDiffusionWebUI{
		baseURL:   baseURL,
		model:     model,
		outputDir: outputDir,
		logger:    logger.With("provider", "sd-webui"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Minute),
			httpkit.WithLogger(logger),
		),
	}
}

type sdTxt2ImgRequest struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Steps  int    `json:"steps"`
}

type sdTxt2ImgResponse struct {
	Images []string `json:"images"`
}

type sdProgressResponse struct {
	Progress float64 `json:"progress"`
}

// GenerateWithProgress starts a txt2img render and polls
// /sdapi/v1/progress every second in a background goroutine for the
// duration of the request, reporting onProgress for each poll.
func (s *StableDiffusionWebUI) GenerateWithProgress(ctx context.Context, prompt string, width, height, steps int, onProgress func(percent int)) (string, error) {
	if width == 0 {
		width = 512
	}
	if height == 0 {
		height = 512
	}
	if steps == 0 {
		steps = 30
	}

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go s.pollProgress(pollCtx, onProgress)

	body, err := json.Marshal(sdTxt2ImgRequest{Prompt: prompt, Width: width, Height: height, Steps: steps})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sdapi/v1/txt2img", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("txt2img: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var wire sdTxt2ImgResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Images) == 0 {
		return "", fmt.Errorf("txt2img: backend returned no images")
	}

	data, err := base64.StdEncoding.DecodeString(wire.Images[0])
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	path := filepath.Join(s.outputDir, fmt.Sprintf("gen-%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}

func (s *StableDiffusionWebUI) pollProgress(ctx context.Context, onProgress func(percent int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/sdapi/v1/progress", nil)
			if err != nil {
				return
			}
			resp, err := s.httpClient.Do(req)
			if err != nil {
				continue
			}
			var wire sdProgressResponse
			decodeErr := json.NewDecoder(resp.Body).Decode(&wire)
			resp.Body.Close()
			if decodeErr != nil {
				continue
			}
			onProgress(int(wire.Progress * 100))
		}
	}
}

// ModelInfo reports the configured checkpoint name. Dimensions are
// webui defaults rather than a queried value: the /sdapi/v1/options
// endpoint exposes far more than Nexus needs here.
func (s *StableDiffusionWebUI) ModelInfo() (model string, maxWidth, maxHeight int) {
	return s.model, 1024, 1024
}
