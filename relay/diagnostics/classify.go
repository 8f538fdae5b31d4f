// Package diagnostics turns tool server connection failures into remediation text.
//
// Classify is pure: the same target, error and platform always yield the same
// message. Only "executable not found" failures of process transports get
// specialized advice; everything else passes through with a generic hint.
// Calls to a server that is not connected are told to connect it first.
package diagnostics

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
)

// Platform identifies the host operating system family.
type Platform string

const (
	PlatformMacOS   Platform = "darwin"
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
)

// CurrentPlatform maps runtime.GOOS onto a Platform. Unknown systems get the
// Linux instructions.
func CurrentPlatform() Platform {
	return ParsePlatform(runtime.GOOS)
}

// ParsePlatform maps a GOOS value onto a Platform.
func ParsePlatform(goos string) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	default:
		return PlatformLinux
	}
}

// Target is the part of a tool server descriptor the classifier looks at.
type Target struct {
	Transport string // "process" or "stream"
	Command   string
	Args      []string
	Endpoint  string
}

// Kind groups launch commands by how they are installed.
type Kind int

const (
	KindUnknown Kind = iota
	KindScriptRuntime
	KindInterpreter
	KindBootstrap
	KindContainer
)

// Classify returns a human-actionable message for rawErr.
func Classify(t Target, rawErr error, p Platform) string {
	if rawErr == nil {
		return ""
	}
	raw := rawErr.Error()

	if errors.Is(rawErr, ports.ErrNotConnected) {
		return raw + "\nConnect the tool server, then try again."
	}

	if t.Transport != "process" {
		if t.Endpoint != "" {
			return fmt.Sprintf("%s\nEnsure %s is reachable from this machine.", raw, t.Endpoint)
		}
		return raw
	}

	name := CommandName(t.Command)
	if !IsExecutableNotFound(rawErr) {
		return fmt.Sprintf("%s\nEnsure %q is installed and on your PATH.", raw, name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%q was not found on this system.\n", name)

	switch KindOf(name) {
	case KindScriptRuntime:
		writeSteps(&b, "Node.js", nodeSteps[p])
		b.WriteString("Tip: a Node.js runtime is bundled. Set the command to plain \"npx\" " +
			"(no path) and the bundled runtime is used when Node.js is not installed.\n")
	case KindInterpreter:
		writeSteps(&b, "Python", pythonSteps[p])
		if pkg := auxiliaryPackage(t.Args); pkg != "" {
			fmt.Fprintf(&b, "The server also needs the %q package:\n  %s -m pip install %s\n",
				pkg, pythonCommand(p), pkg)
		}
	case KindBootstrap:
		if line, ok := bootstrapCommand(name, p); ok {
			fmt.Fprintf(&b, "Install %s with:\n  %s\n", bootstrapTool(name), line)
		}
	case KindContainer:
		writeSteps(&b, "Docker", dockerSteps[p])
	default:
		fmt.Fprintf(&b, "Ensure %q is installed and on your PATH.\n", name)
	}

	return strings.TrimRight(b.String(), "\n")
}

// IsExecutableNotFound reports whether err means the launch command could not
// be resolved or executed.
func IsExecutableNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range notFoundMarkers {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

var notFoundMarkers = []string{
	"executable file not found",
	"command not found",
	"no such file or directory",
	"enoent",
	"is not recognized as an internal or external command",
	"cannot find the file specified",
}

// CommandName strips directories and Windows launcher suffixes.
func CommandName(command string) string {
	name := strings.ToLower(filepath.Base(strings.ReplaceAll(command, `\`, "/")))
	for _, ext := range []string{".exe", ".cmd", ".bat", ".ps1"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

// KindOf classifies a bare command name.
func KindOf(name string) Kind {
	switch name {
	case "npx", "npm", "node", "bun", "bunx", "pnpm", "yarn":
		return KindScriptRuntime
	case "python", "python3", "py":
		return KindInterpreter
	case "uv", "uvx", "pipx":
		return KindBootstrap
	case "docker", "podman":
		return KindContainer
	}
	return KindUnknown
}

func writeSteps(b *strings.Builder, what string, steps []string) {
	fmt.Fprintf(b, "To install %s:\n", what)
	for _, s := range steps {
		fmt.Fprintf(b, "  %s\n", s)
	}
}

var nodeSteps = map[Platform][]string{
	PlatformMacOS:   {"brew install node", "or download the LTS installer from https://nodejs.org"},
	PlatformWindows: {"winget install OpenJS.NodeJS.LTS", "then restart the application so PATH is refreshed"},
	PlatformLinux:   {"sudo apt install nodejs npm", "or install nvm and run: nvm install --lts"},
}

var pythonSteps = map[Platform][]string{
	PlatformMacOS:   {"brew install python"},
	PlatformWindows: {"winget install Python.Python.3.12", "enable \"Add python.exe to PATH\" in the installer"},
	PlatformLinux:   {"sudo apt install python3 python3-pip"},
}

var dockerSteps = map[Platform][]string{
	PlatformMacOS:   {"brew install --cask docker", "start Docker Desktop before connecting"},
	PlatformWindows: {"winget install Docker.DockerDesktop", "start Docker Desktop before connecting"},
	PlatformLinux:   {"curl -fsSL https://get.docker.com | sh", "sudo systemctl start docker"},
}

func pythonCommand(p Platform) string {
	if p == PlatformWindows {
		return "py"
	}
	return "python3"
}

func bootstrapTool(name string) string {
	if name == "uvx" {
		return "uv"
	}
	return name
}

func bootstrapCommand(name string, p Platform) (string, bool) {
	switch bootstrapTool(name) {
	case "uv":
		if p == PlatformWindows {
			return `powershell -ExecutionPolicy ByPass -c "irm https://astral.sh/uv/install.ps1 | iex"`, true
		}
		return "curl -LsSf https://astral.sh/uv/install.sh | sh", true
	case "pipx":
		return pythonCommand(p) + " -m pip install --user pipx && " + pythonCommand(p) + " -m pipx ensurepath", true
	}
	return "", false
}

// auxiliaryPackage finds a pip-installable MCP server package referenced by the
// interpreter arguments, e.g. "-m mcp_server_fetch".
func auxiliaryPackage(args []string) string {
	for i, arg := range args {
		candidate := arg
		if arg == "-m" && i+1 < len(args) {
			candidate = args[i+1]
		}
		candidate = strings.ReplaceAll(strings.ToLower(candidate), "_", "-")
		if strings.HasPrefix(candidate, "mcp-server-") || candidate == "mcp" {
			return candidate
		}
	}
	return ""
}
