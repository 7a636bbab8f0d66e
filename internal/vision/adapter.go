package vision

import (
	"context"

	"github.com/brackwood/nexus/internal/hosts"
)

// ImageGenAdapter satisfies hosts.ImageGenProvider on top of a
// StableDiffusionWebUI client, translating the Vision host's request
// struct into the backend's positional parameters.
type ImageGenAdapter struct {
	Backend *StableDiffusionWebUI
}

// Generate implements hosts.ImageGenProvider.
func (a *ImageGenAdapter) Generate(ctx context.Context, req hosts.ImageGenRequest, onProgress func(percent int)) (string, error) {
	return a.Backend.GenerateWithProgress(ctx, req.Prompt, req.Width, req.Height, req.Steps, onProgress)
}

// ModelInfo implements hosts.ImageGenProvider.
func (a *ImageGenAdapter) ModelInfo(ctx context.Context) (hosts.ImageGenModelInfo, error) {
	model, maxW, maxH := a.Backend.ModelInfo()
	return hosts.ImageGenModelInfo{Model: model, MaxWidth: maxW, MaxHeight: maxH}, nil
}
