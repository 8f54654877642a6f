package generate

import (
	"context"
	"os"

	"ambient/internal/repoctx"
	"ambient/internal/types"
)

// FileGenerator reads proposals from a JSON or YAML file on every call.
type FileGenerator struct {
	path string
}

// NewFileGenerator creates a generator backed by path.
func NewFileGenerator(path string) *FileGenerator {
	return &FileGenerator{path: path}
}

// Name implements Generator.
func (g *FileGenerator) Name() string {
	return "file:" + g.path
}

// Propose implements Generator.
func (g *FileGenerator) Propose(ctx context.Context, _ repoctx.Context) ([]types.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(g.path)
	if err != nil {
		return nil, err
	}
	return types.DecodeProposals(data)
}
