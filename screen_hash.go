package main

import (
	"fmt"
	"image"
	"math/bits"
	"strconv"
)

// ========================================
// Screen Hashing - 64-bit difference hash
// ========================================

// statusBarCropPx is the height of the top band cropped before hashing.
// Clock, battery and signal icons change constantly; dropping the band keeps
// them from registering as a different screen.
const statusBarCropPx = 100

// dHash grid: 9 columns sampled, 8 row comparisons each = 64 bits
const (
	hashGridCols = 9
	hashGridRows = 8
)

// ScreenHash computes the 64-bit difference hash of a frame as a 16-char
// lowercase hex string. Deterministic: identical images hash identically.
// Works on any image.Image; pixels are read through RGBA() so RGBA,
// grayscale and paletted frames are all comparable.
func ScreenHash(img image.Image) string {
	b := img.Bounds()
	minY := b.Min.Y
	if b.Dy() > statusBarCropPx*2 {
		minY += statusBarCropPx
	}

	width := b.Dx()
	height := b.Max.Y - minY

	// Average luminance over a hashGridCols x hashGridRows cell grid.
	// Box sampling keeps the hash stable under minor rendering noise.
	var cells [hashGridRows][hashGridCols]float64
	for row := 0; row < hashGridRows; row++ {
		y0 := minY + row*height/hashGridRows
		y1 := minY + (row+1)*height/hashGridRows
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for col := 0; col < hashGridCols; col++ {
			x0 := b.Min.X + col*width/hashGridCols
			x1 := b.Min.X + (col+1)*width/hashGridCols
			if x1 <= x0 {
				x1 = x0 + 1
			}

			var sum float64
			var n int
			for y := y0; y < y1 && y < b.Max.Y; y++ {
				for x := x0; x < x1 && x < b.Max.X; x++ {
					r, g, bl, _ := img.At(x, y).RGBA()
					sum += 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)
					n++
				}
			}
			if n > 0 {
				cells[row][col] = sum / float64(n)
			}
		}
	}

	// Each bit compares horizontally adjacent cells: 1 when brightness
	// increases left to right.
	var h uint64
	for row := 0; row < hashGridRows; row++ {
		for col := 0; col < hashGridCols-1; col++ {
			h <<= 1
			if cells[row][col] < cells[row][col+1] {
				h |= 1
			}
		}
	}

	return fmt.Sprintf("%016x", h)
}

// HammingDistance compares two 16-hex-char hashes by popcount of their xor.
// Lower means more similar. Malformed input counts as maximally distant.
func HammingDistance(a, b string) int {
	x, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 64
	}
	y, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 64
	}
	return bits.OnesCount64(x ^ y)
}
