// Package pty spawns and supervises external CLI tools behind a pseudo
// terminal, and multiplexes their I/O for a session multiplexer.
package pty

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// AgentKind identifies one of the five supported CLI tools.
type AgentKind string

const (
	AgentClaude   AgentKind = "claude"
	AgentCodex    AgentKind = "codex"
	AgentCopilot  AgentKind = "copilot"
	AgentGemini   AgentKind = "gemini"
	AgentTerminal AgentKind = "terminal"
)

// SpawnOptions carries the parameters needed to build a tool's argv.
type SpawnOptions struct {
	WorkingDir                 string
	Cols, Rows                 uint16
	DangerouslySkipPermissions bool
	Alias                      string // operator-configured binary override
}

// Tool is the capability set every agent kind implements. No inheritance
// hierarchy is needed: polymorphism is over {build_args, observe_output}
// exactly as called for by the system's redesign guidance.
type Tool interface {
	// Name is the stable agent-kind identifier ("claude", "codex", ...).
	Name() string
	// SearchPaths returns candidate binaries to resolve, in priority
	// order. {HOME} is expanded by the resolver.
	SearchPaths() []string
	// BuildArgs returns the argv (excluding argv[0]) to launch the tool.
	BuildArgs(opts SpawnOptions) []string
	// ObserveOutput inspects a rolling tail of raw PTY output looking for
	// a tool-specific trust prompt. It is pure observation: any reply is
	// written back through the bridge's normal input path by the caller.
	ObserveOutput(tail string) (autoAccept string, ok bool)
}

func homeExpand(p string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	return strings.ReplaceAll(p, "{HOME}", home)
}

type claudeTool struct{}

func (claudeTool) Name() string { return string(AgentClaude) }

func (claudeTool) SearchPaths() []string {
	return []string{"claude", filepath.Join("{HOME}", ".claude", "local", "claude")}
}

func (claudeTool) BuildArgs(opts SpawnOptions) []string {
	args := []string{}
	if opts.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

func (claudeTool) ObserveOutput(tail string) (string, bool) {
	if strings.Contains(tail, "Do you trust the files in this folder?") {
		return "1\n", true
	}
	return "", false
}

type codexTool struct{}

func (codexTool) Name() string { return string(AgentCodex) }

func (codexTool) SearchPaths() []string { return []string{"codex"} }

func (codexTool) BuildArgs(opts SpawnOptions) []string {
	args := []string{}
	if opts.DangerouslySkipPermissions {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	return args
}

func (codexTool) ObserveOutput(tail string) (string, bool) {
	if strings.Contains(tail, "allow commands to run without approval") {
		return "y\n", true
	}
	return "", false
}

type copilotTool struct{}

func (copilotTool) Name() string { return string(AgentCopilot) }

func (copilotTool) SearchPaths() []string {
	return []string{"copilot", "gh"}
}

func (copilotTool) BuildArgs(opts SpawnOptions) []string {
	args := []string{}
	if opts.DangerouslySkipPermissions {
		args = append(args, "--allow-all-tools")
	}
	return args
}

func (copilotTool) ObserveOutput(string) (string, bool) { return "", false }

type geminiTool struct{}

func (geminiTool) Name() string { return string(AgentGemini) }

func (geminiTool) SearchPaths() []string { return []string{"gemini"} }

func (geminiTool) BuildArgs(opts SpawnOptions) []string {
	args := []string{}
	if opts.DangerouslySkipPermissions {
		args = append(args, "--yolo")
	}
	return args
}

func (geminiTool) ObserveOutput(tail string) (string, bool) {
	if strings.Contains(tail, "Do you want to proceed?") {
		return "1\n", true
	}
	return "", false
}

type terminalTool struct{}

func (terminalTool) Name() string { return string(AgentTerminal) }

func (terminalTool) SearchPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd.exe", "powershell.exe"}
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return []string{shell, "/bin/bash", "/bin/sh"}
}

func (terminalTool) BuildArgs(SpawnOptions) []string { return nil }

func (terminalTool) ObserveOutput(string) (string, bool) { return "", false }

// Registry maps agent kinds to their Tool implementation.
type Registry struct {
	tools map[AgentKind]Tool
}

// NewRegistry returns a Registry with the five built-in tools, optionally
// overriding a tool's search paths with an operator-configured alias.
func NewRegistry(aliases map[AgentKind]string) *Registry {
	r := &Registry{tools: map[AgentKind]Tool{
		AgentClaude:   claudeTool{},
		AgentCodex:    codexTool{},
		AgentCopilot:  copilotTool{},
		AgentGemini:   geminiTool{},
		AgentTerminal: terminalTool{},
	}}
	if len(aliases) > 0 {
		for kind, alias := range aliases {
			if alias == "" {
				continue
			}
			if base, ok := r.tools[kind]; ok {
				r.tools[kind] = &aliasedTool{Tool: base, alias: alias}
			}
		}
	}
	return r
}

// Lookup returns the Tool for kind, or false if unknown.
func (r *Registry) Lookup(kind AgentKind) (Tool, bool) {
	t, ok := r.tools[kind]
	return t, ok
}

// aliasedTool wraps a Tool, preferring an operator-supplied binary path
// ahead of the tool's default search list.
type aliasedTool struct {
	Tool
	alias string
}

func (a *aliasedTool) SearchPaths() []string {
	return append([]string{a.alias}, a.Tool.SearchPaths()...)
}
