package tendermint

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// InitTendermint runs `tendermint init` for tmHome unless it already holds a
// config.toml.
func InitTendermint(ctx context.Context, tmHome string) error {
	if tmHome == "" {
		tmHome = TendermintHome()
	}
	if _, err := os.Stat(filepath.Join(tmHome, "config", "config.toml")); err == nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, "tendermint", "init", "--home", tmHome)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to initialize Tendermint: %w", err)
	}
	return nil
}

// NodeCommand returns the command that starts a Tendermint node pointed at
// the ABCI proxy address. The command ends when ctx is cancelled.
func NodeCommand(ctx context.Context, tmHome, proxyAddr string) *exec.Cmd {
	if tmHome == "" {
		tmHome = TendermintHome()
	}
	if proxyAddr == "" {
		proxyAddr = "tcp://127.0.0.1:26658"
	}
	cmd := exec.CommandContext(ctx, "tendermint", "node",
		"--home", tmHome,
		"--proxy_app", proxyAddr,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// TendermintHome returns $TMHOME or ~/.tendermint.
func TendermintHome() string {
	if home := os.Getenv("TMHOME"); home != "" {
		return home
	}
	return filepath.Join(os.Getenv("HOME"), ".tendermint")
}
