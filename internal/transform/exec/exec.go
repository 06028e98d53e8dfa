// Package exec delegates a transform to an external command, one input file
// at a time.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	osexec "os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/3cpo-dev/kiln/internal/transform"
)

const (
	inPlaceholder  = "{in}"
	outPlaceholder = "{out}"
)

// Transformer runs option command with option args for each input.
//
// "{in}" in an argument becomes the absolute input path. "{out}" becomes a
// path inside a private staging directory; every file the command leaves
// there is collected, with *.map files routed into the task's maps
// directory. Relocated maps are relinked: the sourceMappingURL comment of
// the output points at the new location and the map's sources and file are
// made relative to it. Without "{out}" the input is piped to stdin and stdout
// becomes the output.
type Transformer struct{}

func New() *Transformer { return &Transformer{} }

func (*Transformer) Name() string { return "exec" }

func (*Transformer) OutputName(rel string, opts transform.Options) string {
	ext := opts.String("ext", "")
	if ext == "" {
		return rel
	}
	return strings.TrimSuffix(rel, path.Ext(rel)) + ext
}

func (t *Transformer) Transform(ctx context.Context, in *transform.Input) ([]transform.Output, error) {
	command := in.Options.String("command", "")
	if command == "" {
		return nil, transform.Errorf("", "exec: command option is required")
	}
	args := in.Options.Strings("args")
	skipPartials := in.Options.Bool("skip_partials", false)

	var outs []transform.Output
	for _, f := range in.Files {
		if skipPartials && strings.HasPrefix(path.Base(f.Path), "_") {
			continue
		}
		produced, err := t.runOne(ctx, in, command, args, f)
		if err != nil {
			return nil, err
		}
		outs = append(outs, produced...)
	}
	return outs, nil
}

func (t *Transformer) runOne(ctx context.Context, in *transform.Input, command string, args []string, f transform.File) ([]transform.Output, error) {
	outName := t.OutputName(f.Path, in.Options)
	usesOut := false
	for _, a := range args {
		if strings.Contains(a, outPlaceholder) {
			usesOut = true
			break
		}
	}

	var stage, outAbs string
	if usesOut {
		var err error
		stage, err = os.MkdirTemp("", "kiln-exec-")
		if err != nil {
			return nil, transform.IOError(f.Path, err)
		}
		defer os.RemoveAll(stage)
		outAbs = filepath.Join(stage, path.Base(outName))
	}

	argv := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, inPlaceholder, f.Abs)
		argv[i] = strings.ReplaceAll(a, outPlaceholder, outAbs)
	}

	cmd := osexec.CommandContext(ctx, command, argv...)
	cmd.Dir = in.Paths.Root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if !usesOut {
		cmd.Stdin = bytes.NewReader(f.Data)
	}

	log.Debug().Str("task", in.Task).Str("path", f.Path).Str("command", command).Msg("Running command")
	if err := cmd.Run(); err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			return nil, transform.Errorf(f.Path, "%s exited with %d: %s", command, exitErr.ExitCode(), msg)
		}
		return nil, transform.IOError(f.Path, err)
	}

	if !usesOut {
		return []transform.Output{{Path: outName, Data: stdout.Bytes()}}, nil
	}
	return collect(stage, path.Dir(outName), in.Dest, in.Maps)
}

// collect gathers everything the command wrote into stage. dir is the
// output directory of the input, relative to dest.
func collect(stage, dir, dest, maps string) ([]transform.Output, error) {
	var (
		outs  []transform.Output
		moved = map[string]string{}
	)
	err := filepath.WalkDir(stage, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(stage, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		target := path.Join(dir, rel)
		if maps != "" && strings.HasSuffix(rel, ".map") {
			target = path.Join(dir, maps, rel)
			generated := path.Join(dir, strings.TrimSuffix(rel, ".map"))
			moved[generated] = target
			data, err = relocateMap(data, filepath.Dir(p),
				filepath.Join(dest, filepath.FromSlash(path.Dir(target))),
				filepath.Join(dest, filepath.FromSlash(generated)))
			if err != nil {
				return fmt.Errorf("relocate %s: %w", rel, err)
			}
		}
		outs = append(outs, transform.Output{Path: target, Data: data})
		return nil
	})
	if err != nil {
		return nil, transform.IOError(stage, err)
	}
	for i, o := range outs {
		if mapPath, ok := moved[o.Path]; ok {
			outs[i].Data = relinkMap(o.Data, path.Base(mapPath), relSlash(path.Dir(o.Path), mapPath))
		}
	}
	return outs, nil
}

var mapURL = regexp.MustCompile(`([/][*/][#@]\s*sourceMappingURL=)([^\s*]+)`)

// relinkMap points the last sourceMappingURL comment of data at url when it
// names the map file base.
func relinkMap(data []byte, base, url string) []byte {
	all := mapURL.FindAllSubmatchIndex(data, -1)
	if len(all) == 0 {
		return data
	}
	m := all[len(all)-1]
	if path.Base(string(data[m[4]:m[5]])) != base {
		return data
	}
	out := make([]byte, 0, len(data)+len(url))
	out = append(out, data[:m[4]]...)
	out = append(out, url...)
	return append(out, data[m[5]:]...)
}

// relocateMap rewrites the relative sources and file entries of a source map
// that moves from fromDir to toDir. generated is the final path of the file
// the map describes.
func relocateMap(data []byte, fromDir, toDir, generated string) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return data, nil
	}
	var err error
	if sources := gjson.GetBytes(data, "sources"); sources.IsArray() {
		rewritten := make([]string, 0, len(sources.Array()))
		for _, src := range sources.Array() {
			rewritten = append(rewritten, rebase(src.String(), fromDir, toDir))
		}
		if data, err = sjson.SetBytes(data, "sources", rewritten); err != nil {
			return nil, err
		}
	}
	if gjson.GetBytes(data, "file").Exists() {
		if data, err = sjson.SetBytes(data, "file", relSlash(filepath.ToSlash(toDir), filepath.ToSlash(generated))); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// rebase makes a source relative to toDir. URLs other than file:// are kept.
func rebase(src, fromDir, toDir string) string {
	var abs string
	switch {
	case strings.HasPrefix(src, "file://"):
		abs = filepath.FromSlash(strings.TrimPrefix(src, "file://"))
	case filepath.IsAbs(src):
		abs = src
	case strings.Contains(src, ":"):
		return src
	default:
		abs = filepath.Join(fromDir, filepath.FromSlash(src))
	}
	rel, err := filepath.Rel(toDir, abs)
	if err != nil {
		return src
	}
	return filepath.ToSlash(rel)
}

func relSlash(fromDir, target string) string {
	rel, err := filepath.Rel(filepath.FromSlash(fromDir), filepath.FromSlash(target))
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}
