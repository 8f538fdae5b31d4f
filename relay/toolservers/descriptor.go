// Package toolservers manages connections to external MCP tool servers: the
// persisted descriptors, the per-descriptor connection state machine, the
// capability cache and the per-turn tool catalog.
package toolservers

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/toolrelay/relay/diagnostics"
)

// TransportKind selects how a tool server is reached.
type TransportKind string

const (
	TransportProcess TransportKind = "process" // spawned command speaking over stdio
	TransportStream  TransportKind = "stream"  // remote streamable HTTP or SSE endpoint
)

var (
	ErrUnknownDescriptor = errors.New("unknown tool server")
	ErrInvalidDescriptor = errors.New("invalid tool server descriptor")
)

// Descriptor is the persisted configuration of a tool server. ID never changes
// once assigned.
type Descriptor struct {
	ID        string            `yaml:"id" json:"id"`
	Name      string            `yaml:"name" json:"name"`
	Transport TransportKind     `yaml:"transport" json:"transport"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Endpoint  string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	CreatedAt time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time         `yaml:"updated_at" json:"updated_at"`
}

// Validate checks the fields required by the transport kind.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}

	switch d.Transport {
	case TransportProcess:
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("%w: process transport requires a command", ErrInvalidDescriptor)
		}
	case TransportStream:
		u, err := url.Parse(d.Endpoint)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: stream transport requires an http(s) endpoint, got %q", ErrInvalidDescriptor, d.Endpoint)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidDescriptor, d.Transport)
	}
	return nil
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	d.Args = slices.Clone(d.Args)
	d.Env = maps.Clone(d.Env)
	return d
}

// sameTarget reports whether two descriptors reach the same server the same way.
func (d Descriptor) sameTarget(o Descriptor) bool {
	return d.Transport == o.Transport &&
		d.Command == o.Command &&
		slices.Equal(d.Args, o.Args) &&
		maps.Equal(d.Env, o.Env) &&
		d.Endpoint == o.Endpoint
}

// DiagnosticTarget projects the descriptor for the classifier.
func (d Descriptor) DiagnosticTarget() diagnostics.Target {
	return diagnostics.Target{
		Transport: string(d.Transport),
		Command:   d.Command,
		Args:      d.Args,
		Endpoint:  d.Endpoint,
	}
}
