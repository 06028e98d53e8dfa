package imagemin

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/kiln/internal/transform"
)

func flatPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	require.NoError(t, enc.Encode(&buf, img))
	return buf.Bytes()
}

func run(opts transform.Options, files ...transform.File) ([]transform.Output, error) {
	return New().Transform(context.Background(), &transform.Input{Task: "img", Files: files, Options: opts})
}

func TestShrinksUncompressedPNG(t *testing.T) {
	orig := flatPNG(t)
	outs, err := run(nil, transform.File{Path: "logo.png", Data: orig})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Less(t, len(outs[0].Data), len(orig))

	_, err = png.Decode(bytes.NewReader(outs[0].Data))
	assert.NoError(t, err)
}

func TestKeepsOriginalWhenNotSmaller(t *testing.T) {
	first, err := run(nil, transform.File{Path: "logo.png", Data: flatPNG(t)})
	require.NoError(t, err)
	again, err := run(nil, transform.File{Path: "logo.png", Data: first[0].Data})
	require.NoError(t, err)
	assert.Equal(t, first[0].Data, again[0].Data)
}

func TestCopiesOtherFiles(t *testing.T) {
	outs, err := run(nil, transform.File{Path: "icon.svg", Data: []byte("<svg/>")})
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", string(outs[0].Data))
}

func TestCorruptImage(t *testing.T) {
	_, err := run(nil, transform.File{Path: "photo.jpg", Data: []byte("not a jpeg")})
	assert.True(t, errors.Is(err, transform.ErrTransform))
}

func TestQualityRange(t *testing.T) {
	_, err := run(transform.Options{"quality": 0})
	assert.Error(t, err)
}
