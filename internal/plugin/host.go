// Package plugin wires the external plugin execution environment. The exec
// host spawns the user's plugins file as a subprocess, feeds it the
// allow-listed config as JSON on stdin, and reads config overrides back
// from stdout. The sandbox internals live in the child process; specmux
// only owns the handshake.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/internal/errs"
)

// InitOptions carries the environment handed to the plugin host alongside
// the sanitized config.
type InitOptions struct {
	ProjectRoot    string
	ConfigFilePath string
	TestingType    config.TestingType
	OnError        func(error)
	OnWarning      func(error)
}

// Host initializes the plugin environment and returns config overrides.
type Host interface {
	Init(ctx context.Context, sanitized config.Sanitized, opts InitOptions) (map[string]any, error)
	Close() error
}

// handshake is the JSON document written to the plugins process.
type handshake struct {
	Config      config.Sanitized   `json:"config"`
	ProjectRoot string             `json:"projectRoot"`
	ConfigFile  string             `json:"configFile"`
	TestingType config.TestingType `json:"testingType"`
}

// response is the JSON document the plugins process may print.
type response struct {
	Overrides map[string]any `json:"overrides"`
	Warnings  []string       `json:"warnings"`
}

// ExecHost runs the plugins file with a configurable runner command.
type ExecHost struct {
	pluginsFile string
	runner      string
}

var _ Host = (*ExecHost)(nil)

// NewExecHost creates a host for the given plugins file. The runner defaults
// to "node" and can be overridden with SPECMUX_PLUGIN_RUNNER.
func NewExecHost(pluginsFile string) *ExecHost {
	runner := os.Getenv("SPECMUX_PLUGIN_RUNNER")
	if runner == "" {
		runner = "node"
	}
	return &ExecHost{pluginsFile: pluginsFile, runner: runner}
}

// Init spawns the plugins process and returns its overrides. The plugins
// file must exist; open() scaffolds a stub beforehand.
func (h *ExecHost) Init(ctx context.Context, sanitized config.Sanitized, opts InitOptions) (map[string]any, error) {
	if _, err := os.Stat(h.pluginsFile); err != nil {
		return nil, errs.Plugin("plugins file missing: "+h.pluginsFile, err)
	}

	input, err := json.Marshal(handshake{
		Config:      sanitized,
		ProjectRoot: opts.ProjectRoot,
		ConfigFile:  opts.ConfigFilePath,
		TestingType: opts.TestingType,
	})
	if err != nil {
		return nil, errs.Plugin("failed to encode plugin handshake", err)
	}

	cmd := exec.CommandContext(ctx, h.runner, h.pluginsFile)
	cmd.Dir = opts.ProjectRoot
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errs.Plugin("plugins file failed during init: "+msg, err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	var resp response
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, errs.Plugin("plugins file printed malformed overrides", err)
	}
	for _, w := range resp.Warnings {
		if opts.OnWarning != nil {
			opts.OnWarning(errs.Plugin(w, nil))
		} else {
			log.Warn("plugin warning", "warning", w)
		}
	}
	return resp.Overrides, nil
}

// Close releases the host. The exec host holds no long-lived resources; the
// child exits when Init returns.
func (h *ExecHost) Close() error { return nil }
