//go:build !embed_models

package models

import "errors"

var errNoEmbeddedModels = errors.New("binary built without embedded models (-tags embed_models)")

func embeddedModel(string) ([]byte, error) { return nil, errNoEmbeddedModels }

func hasEmbeddedModel(string) bool { return false }
