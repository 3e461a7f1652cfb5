package extract

import (
	"bytes"
	"context"

	"github.com/disintegration/imaging"

	"github.com/mahnwerk/mahnwerk/internal/budget"
	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/model"
)

const (
	// maxImageBytes triggers a downscale before the vision call.
	maxImageBytes = 5 * 1024 * 1024
	// maxImageEdge is the longest-side bound after resize.
	maxImageEdge = 1500

	estTokensPerImage = 3000
)

// FromImage extracts claim data from a photo or scan via the vision
// capability. Oversized images are resized to bound payload cost. Image
// extraction never exceeds MEDIUM confidence.
func (e *Extractors) FromImage(ctx context.Context, tracker *budget.Tracker, name, mimeType string, data []byte) model.SourceExtraction {
	if reason := e.checkVisionBudget(ctx, tracker, estTokensPerImage); reason != "" {
		return skipResult(model.SourceImage, name, reason)
	}

	if len(data) > maxImageBytes {
		resized, err := resizeImage(data)
		if err != nil {
			return skipResult(model.SourceImage, name, "image_unreadable: "+err.Error())
		}
		data = resized
		mimeType = "image/jpeg"
	}

	resp, err := e.vision(ctx, tracker, llm.VisionRequest{
		Data:      data,
		MediaType: mimeType,
		Prompt:    e.visionPromptText(ctx),
	})
	if err != nil {
		return skipResult(model.SourceImage, name, "vision_failed: "+err.Error())
	}

	ext := model.SourceExtraction{
		SourceType:       model.SourceImage,
		SourceName:       name,
		ExtractionMethod: "vision_image",
	}
	return parseVisionResponse(ext, resp, model.ConfidenceMedium)
}

func resizeImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	resized := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
