package transform

import "context"

// Copy writes inputs through unchanged.
type Copy struct{}

func (Copy) Name() string { return "copy" }

func (Copy) Transform(ctx context.Context, in *Input) ([]Output, error) {
	outs := make([]Output, 0, len(in.Files))
	for _, f := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outs = append(outs, Output{Path: f.Path, Data: f.Data})
	}
	return outs, nil
}
