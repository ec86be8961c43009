package image

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Textract rejects synchronous requests over this many bytes.
const textractMaxBytes = 5 * 1024 * 1024

// Preprocessor prepares image bytes before they are sent for OCR.
type Preprocessor struct {
	MaxDimension int
	MaxBytes     int
	Grayscale    bool
	JPEGQuality  int
}

func NewPreprocessor(maxDimension int, grayscale bool) *Preprocessor {
	return &Preprocessor{
		MaxDimension: maxDimension,
		MaxBytes:     textractMaxBytes,
		Grayscale:    grayscale,
		JPEGQuality:  85,
	}
}

// Prepare returns data unchanged when it is already within limits; otherwise
// the image is decoded, shrunk to fit MaxDimension, optionally converted to
// grayscale and re-encoded as JPEG. Quality is lowered until the result fits
// MaxBytes.
func (p *Preprocessor) Prepare(data []byte) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	tooLarge := p.MaxDimension > 0 && (cfg.Width > p.MaxDimension || cfg.Height > p.MaxDimension)
	if !tooLarge && !p.Grayscale && (p.MaxBytes <= 0 || len(data) <= p.MaxBytes) {
		return data, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if tooLarge {
		img = imaging.Fit(img, p.MaxDimension, p.MaxDimension, imaging.Lanczos)
	}
	if p.Grayscale {
		img = imaging.Grayscale(img)
	}

	quality := p.JPEGQuality
	for {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("failed to encode image: %w", err)
		}
		if p.MaxBytes <= 0 || buf.Len() <= p.MaxBytes || quality <= 40 {
			return buf.Bytes(), nil
		}
		quality -= 15
	}
}

// Dimensions reports width and height of an encoded image.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
