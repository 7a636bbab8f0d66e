package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestOllamaOCR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaGenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Images) != 1 {
			t.Errorf("expected one image, got %d", len(req.Images))
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: " invoice #42 ", Done: true})
	}))
	defer srv.Close()

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "scan.png")
	os.WriteFile(imgPath, []byte("fake-png-bytes"), 0o644)

	ocr := NewOllamaOCR(srv.URL, "llava", nil)
	text, confidence, err := ocr.OCR(context.Background(), imgPath)
	if err != nil {
		t.Fatalf("OCR() error: %v", err)
	}
	if text != "invoice #42" {
		t.Errorf("text = %q, want %q", text, "invoice #42")
	}
	if confidence <= 0 {
		t.Errorf("confidence = %v, want > 0", confidence)
	}
}

func TestOllamaOCRMissingFile(t *testing.T) {
	ocr := NewOllamaOCR("http://unused", "llava", nil)
	if _, _, err := ocr.OCR(context.Background(), "/nonexistent/path.png"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStableDiffusionWebUIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sdapi/v1/txt2img":
			var req sdTxt2ImgRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Prompt != "a cat" {
				t.Errorf("prompt = %q, want %q", req.Prompt, "a cat")
			}
			json.NewEncoder(w).Encode(sdTxt2ImgResponse{Images: []string{"Zm9vYmFy"}}) // base64("foobar")
		case "/sdapi/v1/progress":
			json.NewEncoder(w).Encode(sdProgressResponse{Progress: 0.5})
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	sd := NewStableDiffusionWebUI(srv.URL, "sdxl-turbo", dir, nil)

	path, err := sd.GenerateWithProgress(context.Background(), "a cat", 512, 512, 10, func(percent int) {})
	if err != nil {
		t.Fatalf("GenerateWithProgress() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read generated file: %v", err)
	}
	if string(data) != "foobar" {
		t.Errorf("generated file contents = %q, want %q", data, "foobar")
	}
}

func TestStableDiffusionWebUIModelInfo(t *testing.T) {
	sd := NewStableDiffusionWebUI("http://unused", "sdxl-turbo", "", nil)
	model, maxW, maxH := sd.ModelInfo()
	if model != "sdxl-turbo" || maxW == 0 || maxH == 0 {
		t.Errorf("ModelInfo() = %q, %d, %d", model, maxW, maxH)
	}
}
