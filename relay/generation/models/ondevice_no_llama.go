//go:build !llama || no_llama

package models

import (
	"fmt"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

const engineCompiled = false

var errEngineMissing = fmt.Errorf("%w: on-device inference not compiled in (build with -tags llama)", ports.ErrBackendUnavailable)

func openEngine(string, OnDeviceConfig) (engine, error) { return nil, errEngineMissing }
