// Package convert turns WebP images into PNG images using the platform
// codecs: golang.org/x/image/webp for decoding and image/png for encoding.
// Conversion is a lossless re-encode of the decoded pixels; no color or
// alpha transformation is applied.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"

	"golang.org/x/image/webp"
)

// The two failure classes of a conversion attempt. Callers classify with
// errors.Is to distinguish a broken source from an encoding problem.
var (
	ErrDecodeFailed = errors.New("failed to decode source image")
	ErrEncodeFailed = errors.New("failed to produce output image")
)

// Result is the outcome of a successful conversion. PNG always holds the
// complete encoded output; a Result is never partially filled.
type Result struct {
	PNG    []byte
	Width  int
	Height int
}

// Converter converts a WebP stream into a PNG result. Implementations
// must be stateless: no retained side effects beyond the returned Result.
type Converter interface {
	Convert(ctx context.Context, r io.Reader) (*Result, error)
}

// WebPToPNG is the production Converter. When Rules is set the PNG
// compression level is read from the current conversion rules on every
// call, so rule updates apply without restarting.
type WebPToPNG struct {
	Rules *RulesStore
}

// Convert decodes r as WebP and re-encodes the raster as PNG with
// identical pixel dimensions and content.
func (c *WebPToPNG) Convert(ctx context.Context, r io.Reader) (*Result, error) {
	img, err := webp.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	level := png.DefaultCompression
	if c.Rules != nil {
		level = c.Rules.Current().PNGCompressionLevel()
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	b := img.Bounds()
	return &Result{PNG: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
