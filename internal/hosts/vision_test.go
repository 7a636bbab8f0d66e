package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/brackwood/nexus/internal/bus"
)

type fakeOCR struct {
	text       string
	confidence float32
	err        error
}

func (f *fakeOCR) OCR(ctx context.Context, imagePath string) (string, float32, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	return f.text, f.confidence, nil
}

type fakeImageGen struct {
	path     string
	err      error
	progress []int
	info     ImageGenModelInfo
}

func (f *fakeImageGen) Generate(ctx context.Context, req ImageGenRequest, onProgress func(percent int)) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for _, p := range f.progress {
		onProgress(p)
	}
	return f.path, nil
}

func (f *fakeImageGen) ModelInfo(ctx context.Context) (ImageGenModelInfo, error) {
	return f.info, nil
}

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	return bus.New(bus.NewMemTransport(), "test-client", nil)
}

func TestVisionHostOCR(t *testing.T) {
	b := testBus(t)
	ocr := &fakeOCR{text: "hello world", confidence: 0.92}
	h, cancel, err := NewVisionHost(b, ocr, &fakeImageGen{}, nil, nil)
	if err != nil {
		t.Fatalf("NewVisionHost() error: %v", err)
	}
	defer cancel()

	reply, err := b.Request(context.Background(), "ai.vision.ocr.request", OCRRequest{ImagePath: "/tmp/x.png"}, time.Second)
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	var got OCRReply
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got.Text != "hello world" || got.Confidence != 0.92 {
		t.Errorf("got %+v", got)
	}
	if !h.Info().Ready {
		t.Error("Info().Ready should be true after a successful OCR call")
	}
}

func TestVisionHostOCRFailureMarksNotReady(t *testing.T) {
	b := testBus(t)
	h, cancel, err := NewVisionHost(b, &fakeOCR{err: errors.New("ocr backend down")}, &fakeImageGen{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if _, err := b.Request(context.Background(), "ai.vision.ocr.request", OCRRequest{ImagePath: "/tmp/x.png"}, time.Second); err != nil {
		t.Fatalf("Request() transport error: %v", err)
	}
	if h.Info().Ready {
		t.Error("Info().Ready should be false after a failed OCR call")
	}
}

func TestVisionHostImageGenStreamsProgressThenDone(t *testing.T) {
	b := testBus(t)
	gen := &fakeImageGen{path: "", progress: []int{25, 50, 75}}
	_, cancel, err := NewVisionHost(b, &fakeOCR{}, gen, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	chunks, err := b.Stream(context.Background(), "ai.vision.imagegen.request", ImageGenRequest{Prompt: "a cat"}, time.Second)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	var got []bus.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}

	if len(got) != 4 {
		t.Fatalf("got %d chunks, want 4 (3 progress + 1 terminal)", len(got))
	}
	for i, want := range []int{25, 50, 75} {
		var p ImageGenProgress
		json.Unmarshal(got[i].Data, &p)
		if p.Percent != want {
			t.Errorf("chunk %d percent = %d, want %d", i, p.Percent, want)
		}
		if got[i].Done {
			t.Errorf("chunk %d should not be terminal", i)
		}
	}
	if !got[3].Done {
		t.Error("final chunk should be terminal")
	}
}

func TestVisionHostImageGenFailurePublishesErrorChunk(t *testing.T) {
	b := testBus(t)
	_, cancel, err := NewVisionHost(b, &fakeOCR{}, &fakeImageGen{err: errors.New("render failed")}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	chunks, err := b.Stream(context.Background(), "ai.vision.imagegen.request", ImageGenRequest{Prompt: "a cat"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	var got []bus.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	if len(got) != 1 {
		t.Fatalf("got %d chunks, want 1", len(got))
	}
	var p ImageGenProgress
	json.Unmarshal(got[0].Data, &p)
	if p.Error != "render failed" {
		t.Errorf("error = %q, want %q", p.Error, "render failed")
	}
}

func TestVisionHostModelInfo(t *testing.T) {
	b := testBus(t)
	gen := &fakeImageGen{info: ImageGenModelInfo{Model: "sdxl-turbo", MaxWidth: 1024, MaxHeight: 1024}}
	_, cancel, err := NewVisionHost(b, &fakeOCR{}, gen, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	reply, err := b.Request(context.Background(), "ai.vision.imagegen.model_info", struct{}{}, time.Second)
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	var got ImageGenModelInfo
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got.Model != "sdxl-turbo" {
		t.Errorf("model = %q, want sdxl-turbo", got.Model)
	}
}
