// Package jsonmerge deep-merges JSON data files into a single document.
package jsonmerge

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/3cpo-dev/kiln/internal/transform"
)

const defaultFile = "combined.json"

// Transformer merges every input, in path order, into options["file"].
// Objects merge recursively; any other value replaces what was there. Key
// order follows first appearance.
type Transformer struct{}

func New() *Transformer { return &Transformer{} }

func (*Transformer) Name() string { return "jsonmerge" }

func (*Transformer) Transform(ctx context.Context, in *transform.Input) ([]transform.Output, error) {
	if len(in.Files) == 0 {
		return nil, nil
	}
	doc := []byte("{}")
	for _, f := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !gjson.ValidBytes(f.Data) {
			return nil, transform.Errorf(f.Path, "invalid JSON")
		}
		if !gjson.ParseBytes(f.Data).IsObject() {
			return nil, transform.Errorf(f.Path, "top-level value must be an object")
		}
		merged, err := Merge(doc, f.Data)
		if err != nil {
			return nil, transform.Errorf(f.Path, "merge: %v", err)
		}
		doc = merged
	}
	name := in.Options.String("file", defaultFile)
	return []transform.Output{{Path: name, Data: pretty.Pretty(doc)}}, nil
}

// Merge deep-merges the object src into the object dst and returns the result.
func Merge(dst, src []byte) ([]byte, error) {
	var err error
	gjson.ParseBytes(src).ForEach(func(k, v gjson.Result) bool {
		key := gjson.Escape(k.String())
		raw := []byte(v.Raw)
		if cur := gjson.GetBytes(dst, key); cur.IsObject() && v.IsObject() {
			raw, err = Merge([]byte(cur.Raw), raw)
			if err != nil {
				return false
			}
		}
		dst, err = sjson.SetRawBytes(dst, key, raw)
		if err != nil {
			err = fmt.Errorf("set %s: %w", k.String(), err)
			return false
		}
		return true
	})
	return dst, err
}
