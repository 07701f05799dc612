package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
)

// ========================================
// Screenshot Capture
// ========================================

// Capture is one captured frame plus the downscaled copy submitted to the AI
type Capture struct {
	Image       image.Image // full resolution, used for hashing
	Path        string      // saved PNG artifact
	Base64      string      // downscaled JPEG, base64 for the vision model
	ScaleFactor float64     // (0,1]; AI coordinates divide by this
}

// ScreenCapturer produces frames for the crawl loop
type ScreenCapturer interface {
	CaptureFull(ctx context.Context, runID string, stepNumber int) (*Capture, error)
}

// adbScreenCapturer captures via `adb exec-out screencap -p` and stores the
// full-resolution PNG under outputDir/<runID>/.
type adbScreenCapturer struct {
	adb        *ADBClient
	deviceID   string
	outputDir  string
	maxAIWidth int
}

// NewScreenCapturer creates a capturer writing screenshots under outputDir
func NewScreenCapturer(adb *ADBClient, deviceID, outputDir string, maxAIWidth int) ScreenCapturer {
	if maxAIWidth <= 0 {
		maxAIWidth = 768
	}
	return &adbScreenCapturer{adb: adb, deviceID: deviceID, outputDir: outputDir, maxAIWidth: maxAIWidth}
}

func (c *adbScreenCapturer) CaptureFull(ctx context.Context, runID string, stepNumber int) (*Capture, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	raw, err := c.adb.Screencap(ctx, c.deviceID)
	if err != nil {
		return nil, fmt.Errorf("screencap failed: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}

	runDir := filepath.Join(c.outputDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	path := filepath.Join(runDir, fmt.Sprintf("step_%04d.png", stepNumber))
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return nil, fmt.Errorf("failed to save screenshot: %w", err)
	}

	scaled, factor := downscaleForAI(img, c.maxAIWidth)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 70}); err != nil {
		return nil, fmt.Errorf("failed to encode AI screenshot: %w", err)
	}

	return &Capture{
		Image:       img,
		Path:        path,
		Base64:      base64.StdEncoding.EncodeToString(buf.Bytes()),
		ScaleFactor: factor,
	}, nil
}

// downscaleForAI shrinks an image so its width is at most maxWidth,
// returning the (possibly unchanged) image and the applied scale factor.
func downscaleForAI(img image.Image, maxWidth int) (image.Image, float64) {
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		return img, 1.0
	}

	factor := float64(maxWidth) / float64(b.Dx())
	w := maxWidth
	h := int(float64(b.Dy()) * factor)
	if h < 1 {
		h = 1
	}

	// Nearest-neighbour is plenty for a vision-model thumbnail
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst, factor
}
