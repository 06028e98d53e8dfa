// Package imagemin re-encodes JPEG and PNG images and keeps whichever of the
// original and the re-encoded bytes is smaller.
package imagemin

import (
	"bytes"
	"context"
	"image/jpeg"
	"image/png"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/kiln/internal/transform"
)

const defaultQuality = 80

type Transformer struct{}

func New() *Transformer { return &Transformer{} }

func (*Transformer) Name() string { return "imagemin" }

func (t *Transformer) Transform(ctx context.Context, in *transform.Input) ([]transform.Output, error) {
	quality := in.Options.Int("quality", defaultQuality)
	if quality < 1 || quality > 100 {
		return nil, transform.Errorf("", "quality must be within 1..100, got %d", quality)
	}

	var before, after uint64
	outs := make([]transform.Output, 0, len(in.Files))
	for _, f := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := optimize(f, quality)
		if err != nil {
			return nil, err
		}
		before += uint64(len(f.Data))
		after += uint64(len(data))
		if len(data) < len(f.Data) {
			log.Debug().Str("task", in.Task).Str("path", f.Path).
				Str("saved", humanize.Bytes(uint64(len(f.Data)-len(data)))).Msg("Image optimized")
		}
		outs = append(outs, transform.Output{Path: f.Path, Data: data})
	}
	if len(outs) > 0 {
		log.Info().Str("task", in.Task).Int("images", len(outs)).
			Str("before", humanize.Bytes(before)).Str("after", humanize.Bytes(after)).Msg("Images minified")
	}
	return outs, nil
}

func optimize(f transform.File, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(path.Ext(f.Path)) {
	case ".jpg", ".jpeg":
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, transform.Errorf(f.Path, "decode jpeg: %v", err)
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, transform.Errorf(f.Path, "encode jpeg: %v", err)
		}
	case ".png":
		img, err := png.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, transform.Errorf(f.Path, "decode png: %v", err)
		}
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, transform.Errorf(f.Path, "encode png: %v", err)
		}
	default:
		return f.Data, nil
	}
	if buf.Len() >= len(f.Data) {
		return f.Data, nil
	}
	return buf.Bytes(), nil
}
