// Package devserver runs the component-testing bundler/dev-server as a
// subprocess under a pty, streaming its output and forwarding spec-set
// changes to it over stdin.
package devserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"

	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/internal/specs"
	"github.com/sergeknystautas/specmux/pkg/shellutil"
)

// DevServer is a running bundler/dev-server subprocess.
type DevServer struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	closed bool
}

// Start spawns the configured dev-server command in the project root. The
// command runs through the shell so pipelines and && chains in settings
// work, and under a pty so bundlers that detect a terminal keep their
// incremental output behavior. Config env vars are exported to the shell
// with safe quoting.
func Start(ctx context.Context, cfg *config.Snapshot) (*DevServer, error) {
	if cfg.DevServerCommand == "" {
		return nil, fmt.Errorf("no dev server command configured")
	}

	var sb strings.Builder
	for k, v := range cfg.Env {
		fmt.Fprintf(&sb, "export %s=%s; ", k, shellutil.Quote(v))
	}
	sb.WriteString(cfg.DevServerCommand)

	cmd := exec.CommandContext(ctx, "sh", "-c", sb.String())
	cmd.Dir = cfg.ProjectRoot
	cmd.Env = append(os.Environ(), fmt.Sprintf("SPECMUX_PORT=%d", cfg.Port))

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start dev server: %w", err)
	}

	d := &DevServer{cmd: cmd, ptmx: ptmx}
	go d.streamOutput()
	return d, nil
}

// UpdateSpecs forwards the new spec set to the dev server as one JSON line.
func (d *DevServer) UpdateSpecs(list []specs.Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dev server closed")
	}
	data, err := json.Marshal(map[string]any{"event": "specs:changed", "specs": list})
	if err != nil {
		return fmt.Errorf("failed to encode spec update: %w", err)
	}
	if _, err := d.ptmx.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to send spec update: %w", err)
	}
	return nil
}

// Close terminates the dev server subprocess.
func (d *DevServer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	_ = d.ptmx.Close()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.cmd.Wait()
	return nil
}

func (d *DevServer) streamOutput() {
	scanner := bufio.NewScanner(d.ptmx)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Printf("[devserver] %s\n", scanner.Text())
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Debug("dev server stream ended", "error", err)
	}
}
