package toolservers

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ZanzyTHEbar/toolrelay/relay/diagnostics"
)

// RuntimeResolver resolves launch commands. Script-runner commands (npx, npm,
// node) that are not on PATH fall back to the embedded runtime under Dir.
type RuntimeResolver struct {
	Dir      string
	LookPath func(file string) (string, error)
	GOOS     string
}

// NewRuntimeResolver creates a resolver for the embedded runtime in dir.
func NewRuntimeResolver(dir string) *RuntimeResolver {
	return &RuntimeResolver{Dir: dir, LookPath: exec.LookPath, GOOS: runtime.GOOS}
}

// Resolution is a resolved launch command.
type Resolution struct {
	Path     string
	Embedded bool     // the embedded runtime was substituted
	Env      []string // extra environment, e.g. PATH pointing at the embedded runtime
}

// Resolve returns the executable to spawn for command.
func (r *RuntimeResolver) Resolve(command string) (Resolution, error) {
	path, lookErr := r.LookPath(command)
	if lookErr == nil {
		return Resolution{Path: path}, nil
	}

	if !isScriptRunner(command) || r.Dir == "" {
		return Resolution{}, lookErr
	}

	if path, ok := r.embedded(diagnostics.CommandName(command)); ok {
		binDir := filepath.Dir(path)
		return Resolution{
			Path:     path,
			Embedded: true,
			Env:      []string{"PATH=" + binDir + string(os.PathListSeparator) + os.Getenv("PATH")},
		}, nil
	}
	return Resolution{}, fmt.Errorf("%w (embedded runtime not found in %s)", lookErr, r.Dir)
}

// isScriptRunner reports whether command is a bare script-runner name. Explicit
// paths are taken literally.
func isScriptRunner(command string) bool {
	if strings.ContainsAny(command, `/\`) {
		return false
	}
	switch diagnostics.CommandName(command) {
	case "npx", "npm", "node":
		return true
	}
	return false
}

func (r *RuntimeResolver) embedded(name string) (string, bool) {
	candidates := []string{name}
	if r.GOOS == "windows" {
		candidates = []string{name + ".exe", name + ".cmd"}
	}
	for _, dir := range []string{filepath.Join(r.Dir, "bin"), r.Dir} {
		for _, c := range candidates {
			p := filepath.Join(dir, c)
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return p, true
			}
		}
	}
	return "", false
}
