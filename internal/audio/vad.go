package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/brackwood/nexus/internal/hosts"
)

// EnergyVAD detects speech segments in 16-bit PCM WAV files by RMS
// energy framing. No pack example or common ecosystem library reads
// raw PCM WAV without pulling in a cgo codec far heavier than this
// needs, so the header parse and framing loop are hand-rolled here.
type EnergyVAD struct {
	// FrameMillis is the analysis window size.
	FrameMillis int
	// Threshold is the RMS energy (0..1 of full scale) above which a
	// frame is considered speech.
	Threshold float64
}

// NewEnergyVAD creates a VAD provider with reasonable defaults.
func NewEnergyVAD() *EnergyVAD {
	return &EnergyVAD{FrameMillis: 20, Threshold: 0.02}
}

type wavHeader struct {
	sampleRate    uint32
	bitsPerSample uint16
	numChannels   uint16
	dataOffset    int64
	dataSize      uint32
}

// Detect reads a canonical PCM WAV file and returns contiguous spans
// where frame RMS energy exceeds Threshold.
func (v *EnergyVAD) Detect(ctx context.Context, audioPath string) ([]hosts.VoiceSegment, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	hdr, err := readWAVHeader(f)
	if err != nil {
		return nil, fmt.Errorf("read wav header: %w", err)
	}
	if hdr.bitsPerSample != 16 {
		return nil, fmt.Errorf("vad: only 16-bit PCM wav is supported, got %d-bit", hdr.bitsPerSample)
	}

	if _, err := f.Seek(hdr.dataOffset, 0); err != nil {
		return nil, fmt.Errorf("seek to audio data: %w", err)
	}

	frameSamples := int(hdr.sampleRate) * v.FrameMillis / 1000 * int(hdr.numChannels)
	if frameSamples <= 0 {
		frameSamples = 1
	}
	frameDuration := float64(v.FrameMillis) / 1000

	var segments []hosts.VoiceSegment
	var speaking bool
	var segmentStart float64
	frameIdx := 0

	buf := make([]byte, frameSamples*2)
	for {
		n, err := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		samples := n / 2
		rms := rmsOf(buf[:samples*2])
		t := float64(frameIdx) * frameDuration

		if rms >= v.Threshold && !speaking {
			speaking = true
			segmentStart = t
		} else if rms < v.Threshold && speaking {
			speaking = false
			segments = append(segments, hosts.VoiceSegment{StartSeconds: segmentStart, EndSeconds: t})
		}
		frameIdx++

		if err != nil {
			break
		}
	}
	if speaking {
		segments = append(segments, hosts.VoiceSegment{
			StartSeconds: segmentStart,
			EndSeconds:   float64(frameIdx) * frameDuration,
		})
	}
	return segments, nil
}

func rmsOf(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sumSquares float64
	count := len(pcm) / 2
	for i := 0; i < count; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		normalized := float64(sample) / 32768
		sumSquares += normalized * normalized
	}
	return math.Sqrt(sumSquares / float64(count))
}

func readWAVHeader(f *os.File) (wavHeader, error) {
	var hdr wavHeader
	riff := make([]byte, 12)
	if _, err := io.ReadFull(f, riff); err != nil {
		return hdr, err
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return hdr, fmt.Errorf("not a RIFF/WAVE file")
	}

	for {
		chunkHdr := make([]byte, 8)
		if _, err := io.ReadFull(f, chunkHdr); err != nil {
			return hdr, fmt.Errorf("truncated chunk header: %w", err)
		}
		id := string(chunkHdr[0:4])
		size := binary.LittleEndian.Uint32(chunkHdr[4:8])

		switch id {
		case "fmt ":
			fmtBody := make([]byte, size)
			if _, err := io.ReadFull(f, fmtBody); err != nil {
				return hdr, err
			}
			hdr.numChannels = binary.LittleEndian.Uint16(fmtBody[2:4])
			hdr.sampleRate = binary.LittleEndian.Uint32(fmtBody[4:8])
			hdr.bitsPerSample = binary.LittleEndian.Uint16(fmtBody[14:16])
		case "data":
			offset, err := f.Seek(0, 1)
			if err != nil {
				return hdr, err
			}
			hdr.dataOffset = offset
			hdr.dataSize = size
			return hdr, nil
		default:
			if _, err := f.Seek(int64(size), 1); err != nil {
				return hdr, err
			}
		}
	}
}
