package models

import (
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// Priority is the order in which auto selection tries backends.
var Priority = []ports.BackendID{
	ports.BackendOnDevice,
	ports.BackendOllama,
	ports.BackendAnthropic,
}

// ParseBackendID validates a configured preference. Empty means auto.
func ParseBackendID(s string) (ports.BackendID, error) {
	switch id := ports.BackendID(strings.ToLower(strings.TrimSpace(s))); id {
	case "":
		return ports.BackendAuto, nil
	case ports.BackendAuto, ports.BackendOnDevice, ports.BackendOllama, ports.BackendAnthropic:
		return id, nil
	case "local", "ondevice":
		return ports.BackendOnDevice, nil
	case "cloud":
		return ports.BackendAnthropic, nil
	default:
		return "", fmt.Errorf("unknown backend %q", s)
	}
}

// Select picks the backend for a turn. A specific preference is honoured only
// when that backend is available; auto takes the first available backend in
// Priority order. The result depends only on the inputs.
func Select(preference ports.BackendID, probes []ports.ProbeResult) (ports.BackendID, error) {
	available := make(map[ports.BackendID]bool, len(probes))
	reasons := make(map[ports.BackendID]string, len(probes))
	for _, p := range probes {
		if p.Available {
			available[p.Backend] = true
		} else if p.Diagnostic != "" {
			reasons[p.Backend] = p.Diagnostic
		}
	}

	if preference != "" && preference != ports.BackendAuto {
		if available[preference] {
			return preference, nil
		}
		if why := reasons[preference]; why != "" {
			return "", fmt.Errorf("%w: %s: %s", ports.ErrNoProviderAvailable, preference, why)
		}
		return "", fmt.Errorf("%w: %s is not available", ports.ErrNoProviderAvailable, preference)
	}

	for _, id := range Priority {
		if available[id] {
			return id, nil
		}
	}

	var parts []string
	for _, id := range Priority {
		if why := reasons[id]; why != "" {
			parts = append(parts, string(id)+": "+why)
		}
	}
	if len(parts) == 0 {
		return "", ports.ErrNoProviderAvailable
	}
	return "", fmt.Errorf("%w (%s)", ports.ErrNoProviderAvailable, strings.Join(parts, "; "))
}
