package hosts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/brackwood/nexus/internal/bus"
)

// OCRProvider extracts text from an image file.
type OCRProvider interface {
	OCR(ctx context.Context, imagePath string) (text string, confidence float32, err error)
}

// ScreenCapturer renders a screen region or named window to a temporary
// image file, letting ocr_capture accept "region"/"window" selectors in
// addition to an explicit image_path.
type ScreenCapturer interface {
	CaptureRegion(ctx context.Context, region string) (imagePath string, err error)
	CaptureWindow(ctx context.Context, window string) (imagePath string, err error)
}

// ImageGenProvider renders an image from a prompt, reporting progress
// via onProgress as generation proceeds. onProgress may be called zero
// or more times before the final return.
type ImageGenProvider interface {
	Generate(ctx context.Context, req ImageGenRequest, onProgress func(percent int)) (imagePath string, err error)
	ModelInfo(ctx context.Context) (ImageGenModelInfo, error)
}

// OCRRequest is the ai.vision.ocr.request payload. Exactly one of
// ImagePath, Region, or Window is expected to be set; ImagePath takes
// precedence if more than one is present.
type OCRRequest struct {
	ImagePath string `json:"image_path,omitempty"`
	Region    string `json:"region,omitempty"`
	Window    string `json:"window,omitempty"`
}

// OCRReply is the ai.vision.ocr.request response.
type OCRReply struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// ImageGenRequest is the ai.vision.imagegen.request payload.
type ImageGenRequest struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Steps  int    `json:"steps,omitempty"`
	Model  string `json:"model,omitempty"`
}

// ImageGenProgress is one ai.vision.imagegen.request stream chunk.
type ImageGenProgress struct {
	Percent      int    `json:"percent"`
	ImagePath    string `json:"image_path,omitempty"`
	ThumbnailB64 string `json:"thumbnail_b64,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ImageGenModelInfo is the ai.vision.imagegen.model_info response.
type ImageGenModelInfo struct {
	Model     string `json:"model"`
	MaxWidth  int    `json:"max_width"`
	MaxHeight int    `json:"max_height"`
}

const defaultImageGenSteps = 30
const thumbnailMaxDimension = 256

// VisionHost exposes ai.vision.* over the bus: OCR as a request/reply
// operation, image generation as a Stream operation that reports
// progress chunks the way the agent's other tool calls never needed
// to.
type VisionHost struct {
	b        *bus.Bus
	ocr      OCRProvider
	imagegen ImageGenProvider
	capture  ScreenCapturer
	logger   *slog.Logger

	mu    sync.RWMutex
	ready bool
}

// NewVisionHost registers ai.vision.ocr.request, ai.vision.imagegen.request,
// and ai.vision.imagegen.model_info handlers. capture may be nil, in
// which case ocr_capture only accepts an explicit image_path.
func NewVisionHost(b *bus.Bus, ocr OCRProvider, imagegen ImageGenProvider, capture ScreenCapturer, log *slog.Logger) (*VisionHost, func(), error) {
	h := &VisionHost{b: b, ocr: ocr, imagegen: imagegen, capture: capture, logger: logger(log, "vision"), ready: true}

	cancelOCR, err := handle(b, "ai.vision.ocr.request", h.handleOCR)
	if err != nil {
		return nil, nil, fmt.Errorf("register ai.vision.ocr.request: %w", err)
	}
	cancelInfo, err := handle(b, "ai.vision.imagegen.model_info", h.handleModelInfo)
	if err != nil {
		cancelOCR()
		return nil, nil, fmt.Errorf("register ai.vision.imagegen.model_info: %w", err)
	}
	cancelGen, err := b.HandleStream("ai.vision.imagegen.request", h.handleImageGen)
	if err != nil {
		cancelOCR()
		cancelInfo()
		return nil, nil, fmt.Errorf("register ai.vision.imagegen.request: %w", err)
	}

	return h, func() { cancelOCR(); cancelInfo(); cancelGen() }, nil
}

func (h *VisionHost) handleOCR(ctx context.Context, req OCRRequest) (OCRReply, error) {
	imagePath := req.ImagePath
	switch {
	case imagePath != "":
		// explicit path wins
	case req.Region != "":
		if h.capture == nil {
			return OCRReply{}, fmt.Errorf("ocr: region capture is not supported by this backend")
		}
		path, err := h.capture.CaptureRegion(ctx, req.Region)
		if err != nil {
			return OCRReply{}, fmt.Errorf("capture region: %w", err)
		}
		imagePath = path
	case req.Window != "":
		if h.capture == nil {
			return OCRReply{}, fmt.Errorf("ocr: window capture is not supported by this backend")
		}
		path, err := h.capture.CaptureWindow(ctx, req.Window)
		if err != nil {
			return OCRReply{}, fmt.Errorf("capture window: %w", err)
		}
		imagePath = path
	default:
		return OCRReply{}, fmt.Errorf("ocr: one of image_path, region, or window is required")
	}

	text, confidence, err := h.ocr.OCR(ctx, imagePath)
	if err != nil {
		h.setReady(false)
		return OCRReply{}, err
	}
	h.setReady(true)
	return OCRReply{Text: text, Confidence: confidence}, nil
}

func (h *VisionHost) handleModelInfo(ctx context.Context, req struct{}) (ImageGenModelInfo, error) {
	return h.imagegen.ModelInfo(ctx)
}

// handleImageGen drives a single Stream request: it calls Generate,
// relaying percent-complete chunks to sink.Send, and finishes with a
// sink.Done chunk carrying the output path plus a small preview
// thumbnail so the dashboard doesn't have to fetch the full image to
// show progress.
func (h *VisionHost) handleImageGen(ctx context.Context, payload json.RawMessage, sink *bus.StreamSink) {
	var req ImageGenRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			sink.Done(ctx, ImageGenProgress{Error: err.Error()})
			return
		}
	}
	if req.Steps == 0 {
		req.Steps = defaultImageGenSteps
	}

	path, err := h.imagegen.Generate(ctx, req, func(percent int) {
		sink.Send(ctx, ImageGenProgress{Percent: percent})
	})
	if err != nil {
		h.setReady(false)
		sink.Done(ctx, ImageGenProgress{Error: err.Error()})
		return
	}
	h.setReady(true)

	thumb, err := thumbnailBase64(path)
	if err != nil {
		h.logger.Warn("thumbnail failed", "path", path, "error", err)
	}
	sink.Done(ctx, ImageGenProgress{Percent: 100, ImagePath: path, ThumbnailB64: thumb})
}

func (h *VisionHost) setReady(ready bool) {
	h.mu.Lock()
	h.ready = ready
	h.mu.Unlock()
}

// Info reports the vision backend's last-known reachability. Readiness
// is inferred from the most recent OCR/generation outcome rather than
// an active probe, since there is no cheap no-op endpoint to ping.
func (h *VisionHost) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	model := ""
	if info, err := h.imagegen.ModelInfo(context.Background()); err == nil {
		model = info.Model
	}
	return Info{Name: "vision", Backend: model, Ready: h.ready}
}

// Reload is a no-op for the vision host: OCR and image generation
// providers carry no swappable default model the way the LLM host
// does, so reload requests are accepted but have nothing to change.
func (h *VisionHost) Reload(ctx context.Context, payload json.RawMessage) error {
	return nil
}

// thumbnailBase64 downsamples path to a small preview and returns it
// as a base64-encoded JPEG, matching the bus's binary-over-path
// convention for anything over BinaryThreshold while still giving
// callers an inline preview cheap enough to embed directly.
func thumbnailBase64(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	img, err := imaging.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	thumb := imaging.Fit(img, thumbnailMaxDimension, thumbnailMaxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
