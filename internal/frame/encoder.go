// Package frame turns raw screen captures into compact JPEG frames and
// fingerprints them for loop detection.
package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/image/draw"
)

// ErrEmptyCapture is returned when the engine hands back no image data.
var ErrEmptyCapture = errors.New("empty capture")

// Encoder re-encodes captures as lossy JPEG, downscaling wide images.
type Encoder struct {
	Quality  int
	MaxWidth int
}

// NewEncoder returns an Encoder, clamping quality into 1..100.
func NewEncoder(quality, maxWidth int) *Encoder {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return &Encoder{Quality: quality, MaxWidth: maxWidth}
}

// Encode decodes a PNG or JPEG capture and returns JPEG bytes.
func (e *Encoder) Encode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyCapture
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}

	img := e.scale(src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeBase64 is Encode followed by standard base64 encoding, the form
// carried in frame events.
func (e *Encoder) EncodeBase64(raw []byte) (string, error) {
	data, err := e.Encode(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (e *Encoder) scale(src image.Image) image.Image {
	b := src.Bounds()
	if e.MaxWidth <= 0 || b.Dx() <= e.MaxWidth {
		return src
	}
	h := b.Dy() * e.MaxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, e.MaxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Fingerprint hashes the raw capture bytes. Identical screens captured by
// the same engine produce identical fingerprints.
func Fingerprint(raw []byte) uint64 {
	return xxhash.Sum64(raw)
}
