//go:build embed_models

package models

import (
	"embed"
	"fmt"
	"io/fs"
)

// Models shipped inside the binary with -tags embed_models.
//
//go:embed gguf/*.gguf
var embeddedGGUF embed.FS

func embeddedModel(file string) ([]byte, error) {
	data, err := fs.ReadFile(embeddedGGUF, "gguf/"+file)
	if err != nil {
		return nil, fmt.Errorf("embedded model %s: %w", file, err)
	}
	return data, nil
}

func hasEmbeddedModel(file string) bool {
	_, err := fs.Stat(embeddedGGUF, "gguf/"+file)
	return err == nil
}
