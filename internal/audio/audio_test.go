package audio

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestWhisperServerTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct == "" {
			t.Error("expected multipart Content-Type header")
		}
		w.Write([]byte(`{"text":"hello world"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	audioPath := filepath.Join(dir, "clip.wav")
	os.WriteFile(audioPath, []byte("fake-audio-bytes"), 0o644)

	w := NewWhisperServer(srv.URL, nil)
	text, err := w.Transcribe(context.Background(), audioPath)
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want %q", text, "hello world")
	}
}

func TestPiperTTSSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-wav-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := NewPiperTTS(srv.URL, dir, nil)
	path, err := p.Synthesize(context.Background(), "hello", "en-us")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read synthesized file: %v", err)
	}
	if string(data) != "fake-wav-bytes" {
		t.Errorf("contents = %q", data)
	}
}

func writeSilentWAV(t *testing.T, path string, sampleRate uint32, durationSeconds float64, withToneAt float64) {
	t.Helper()
	numSamples := int(float64(sampleRate) * durationSeconds)
	toneStart := int(float64(sampleRate) * withToneAt)

	data := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		var sample int16
		if i >= toneStart && i < toneStart+int(sampleRate)/2 {
			sample = 20000
		}
		binary.LittleEndian.PutUint16(data[i*2:i*2+2], uint16(sample))
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	dataSize := uint32(len(data))
	write := func(b []byte) { f.Write(b) }
	write([]byte("RIFF"))
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], 36+dataSize)
	write(sizeBuf[:])
	write([]byte("WAVE"))
	write([]byte("fmt "))
	binary.LittleEndian.PutUint32(sizeBuf[:], 16)
	write(sizeBuf[:])
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], 1) // PCM
	write(u16[:])
	binary.LittleEndian.PutUint16(u16[:], 1) // mono
	write(u16[:])
	binary.LittleEndian.PutUint32(sizeBuf[:], sampleRate)
	write(sizeBuf[:])
	byteRate := sampleRate * 2
	binary.LittleEndian.PutUint32(sizeBuf[:], byteRate)
	write(sizeBuf[:])
	binary.LittleEndian.PutUint16(u16[:], 2) // block align
	write(u16[:])
	binary.LittleEndian.PutUint16(u16[:], 16) // bits per sample
	write(u16[:])
	write([]byte("data"))
	binary.LittleEndian.PutUint32(sizeBuf[:], dataSize)
	write(sizeBuf[:])
	write(data)
}

func TestEnergyVADDetectsToneSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	writeSilentWAV(t, path, 16000, 2.0, 0.5)

	vad := NewEnergyVAD()
	segments, err := vad.Detect(context.Background(), path)
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1: %+v", len(segments), segments)
	}
	if segments[0].StartSeconds < 0.4 || segments[0].StartSeconds > 0.6 {
		t.Errorf("segment start = %v, want ~0.5", segments[0].StartSeconds)
	}
}

func TestEnergyVADSilentFileHasNoSegments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "silence.wav")
	writeSilentWAV(t, path, 16000, 1.0, 10) // tone offset beyond clip length

	vad := NewEnergyVAD()
	segments, err := vad.Detect(context.Background(), path)
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if len(segments) != 0 {
		t.Errorf("got %d segments, want 0", len(segments))
	}
}

func TestEnergyVADRejectsNonWAV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notwav.bin")
	os.WriteFile(path, []byte("not a wav file at all"), 0o644)

	vad := NewEnergyVAD()
	if _, err := vad.Detect(context.Background(), path); err == nil {
		t.Error("expected error for non-wav file")
	}
}
