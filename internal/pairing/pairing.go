// Package pairing moves a session id between devices as a QR code: one
// device renders it, the other scans it from a camera frame.
package pairing

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// DefaultSize is the side length of the rendered code in pixels.
const DefaultSize = 512

// ErrNotFound means no readable code was present. Callers keep scanning.
var ErrNotFound = errors.New("no pairing code found")

// ErrTooSmall is returned by Encode when the requested raster cannot hold
// the code.
var ErrTooSmall = errors.New("pairing code raster too small")

// Encode renders text as a black-on-white QR code of exactly width x height
// pixels.
func Encode(text string, width, height int) (*image.Gray, error) {
	if text == "" {
		return nil, errors.New("pairing code text is empty")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid pairing code size %dx%d", width, height)
	}

	matrix, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, width, height, nil)
	if err != nil {
		return nil, fmt.Errorf("encode pairing code: %w", err)
	}
	// the writer grows the matrix when the code needs more room
	if matrix.GetWidth() != width || matrix.GetHeight() != height {
		return nil, fmt.Errorf("%w: %q needs at least %dx%d, requested %dx%d",
			ErrTooSmall, text, matrix.GetWidth(), matrix.GetHeight(), width, height)
	}

	img := image.NewGray(image.Rect(0, 0, matrix.GetWidth(), matrix.GetHeight()))
	for y := 0; y < matrix.GetHeight(); y++ {
		for x := 0; x < matrix.GetWidth(); x++ {
			if matrix.Get(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 0xFF})
			}
		}
	}
	return img, nil
}

// Decode looks for a QR code in img. A rendered code is read directly;
// camera frames fall back to the full detector.
func Decode(img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", ErrNotFound
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	reader := qrcode.NewQRCodeReader()
	pure := map[gozxing.DecodeHintType]interface{}{gozxing.DecodeHintType_PURE_BARCODE: true}
	result, err := reader.Decode(bmp, pure)
	if err != nil {
		result, err = reader.Decode(bmp, nil)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return result.GetText(), nil
}

// DecodeGray decodes an 8-bit luminance raster of width x height pixels,
// such as the Y plane of a camera frame.
func DecodeGray(pix []byte, width, height int) (string, error) {
	if width <= 0 || height <= 0 || width > len(pix)/height {
		return "", ErrNotFound
	}
	img := &image.Gray{Pix: pix[:width*height], Stride: width, Rect: image.Rect(0, 0, width, height)}
	return Decode(img)
}

// WritePNG renders text and writes it to w as a PNG.
func WritePNG(w io.Writer, text string, size int) error {
	img, err := Encode(text, size, size)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// Terminal renders text as a QR code made of half-block characters, two
// modules per character cell.
func Terminal(text string) (string, error) {
	if text == "" {
		return "", errors.New("pairing code text is empty")
	}
	// size 0 makes the writer emit one pixel per module plus the quiet zone
	matrix, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, 0, 0, nil)
	if err != nil {
		return "", fmt.Errorf("encode pairing code: %w", err)
	}

	w, h := matrix.GetWidth(), matrix.GetHeight()
	var sb strings.Builder
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x++ {
			top := matrix.Get(x, y)
			bottom := y+1 < h && matrix.Get(x, y+1)
			switch {
			case top && bottom:
				sb.WriteRune(' ')
			case top:
				sb.WriteRune('▄')
			case bottom:
				sb.WriteRune('▀')
			default:
				sb.WriteRune('█')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
