package minify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/kiln/internal/transform"
)

func run(files ...transform.File) ([]transform.Output, error) {
	return New().Transform(context.Background(), &transform.Input{Task: "assets", Files: files})
}

func TestMinifiesByExtension(t *testing.T) {
	outs, err := run(
		transform.File{Path: "css/site.css", Data: []byte("body {\n  color : red ;\n}\n")},
		transform.File{Path: "js/app.js", Data: []byte("function add ( a , b ) {\n  return a + b ;\n}\n")},
		transform.File{Path: "data.json", Data: []byte("{\n  \"a\" : 1\n}\n")},
		transform.File{Path: "img/logo.bin", Data: []byte("  raw  ")},
	)
	require.NoError(t, err)
	require.Len(t, outs, 4)
	assert.Equal(t, "css/site.css", outs[0].Path)
	assert.Equal(t, "body{color:red}", string(outs[0].Data))
	assert.Less(t, len(outs[1].Data), len("function add ( a , b ) {\n  return a + b ;\n}\n"))
	assert.Equal(t, `{"a":1}`, string(outs[2].Data))
	assert.Equal(t, "  raw  ", string(outs[3].Data))
}

func TestScriptSyntaxErrorIsTransformError(t *testing.T) {
	_, err := run(transform.File{Path: "js/broken.js", Data: []byte("function ( {")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, transform.ErrTransform))
	assert.Contains(t, err.Error(), "js/broken.js")
}
