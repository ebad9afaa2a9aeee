package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/chazu/aotcache/manifest"
)

// TrainOptions configures Train.
type TrainOptions struct {
	// Executable is the aotcache binary that runs the create step. Empty
	// means the running executable.
	Executable string
	// Args are passed before the create subcommand.
	Args []string
	// Env is appended to the inherited environment.
	Env []string
}

// Train records a training run and then assembles the archive in a child
// process, so the archive is built from a runtime that never ran the
// application. The two processes share only the configuration file.
func Train(ctx context.Context, m *manifest.Manifest, opts TrainOptions) error {
	if _, err := Record(m); err != nil {
		return err
	}

	exe := opts.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("train: %w", err)
		}
	}
	args := append(append([]string(nil), opts.Args...),
		"create", "-C", m.Dir, "-config", m.ConfigPath(), "-o", m.OutputPath())

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	log.Infof("spawning %s %v", exe, args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("train: create step: %w", err)
	}
	return nil
}
