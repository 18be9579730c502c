package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// LaunchOptions configures a Launcher.
type LaunchOptions struct {
	// Script is the path of the puppeteer sidecar.
	Script string
	// Node is the node binary, "node" by default.
	Node           string
	ReadyTimeout   time.Duration
	CommandTimeout time.Duration
	// Pool runs Chrome in a container per session. Without a pool the sidecar
	// launches a local headless Chrome.
	Pool *Pool
}

// Launcher starts one browser and sidecar per session.
type Launcher struct {
	opts LaunchOptions
}

func NewLauncher(opts LaunchOptions) *Launcher {
	if opts.Node == "" {
		opts.Node = "node"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	return &Launcher{opts: opts}
}

// Launch starts the browser for sessionID and returns a ready Engine. The
// caller owns the engine and must Close it.
func (l *Launcher) Launch(ctx context.Context, sessionID string) (*Engine, error) {
	if _, err := os.Stat(l.opts.Script); err != nil {
		return nil, fmt.Errorf("puppeteer script not found at %s: %w", l.opts.Script, err)
	}

	var inst *Instance
	args := []string{l.opts.Script}
	if l.opts.Pool != nil {
		var err error
		inst, err = l.opts.Pool.Launch(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		args = append(args, inst.ConnectURL)
	}

	stopContainer := func(ctx context.Context) error {
		if inst == nil {
			return nil
		}
		return l.opts.Pool.Stop(ctx, inst)
	}

	cmd := exec.Command(l.opts.Node, args...)
	cmd.Stderr = log.With().Str("session_id", sessionID).Str("stream", "puppeteer").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stopContainer(context.Background())
		return nil, fmt.Errorf("stdin pipe failed: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stopContainer(context.Background())
		return nil, fmt.Errorf("stdout pipe failed: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stopContainer(context.Background())
		return nil, fmt.Errorf("failed to start puppeteer: %w", err)
	}

	e := newEngine(sessionID, stdin, stdout, l.opts.CommandTimeout)
	e.release = func(ctx context.Context) error {
		select {
		case <-e.Done():
		case <-time.After(5 * time.Second):
			log.Warn().Str("session_id", sessionID).Msg("puppeteer did not exit, killing it")
			_ = cmd.Process.Kill()
			<-e.Done()
		}
		_ = cmd.Wait()

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return stopContainer(stopCtx)
	}

	if err := e.waitReady(ctx, l.opts.ReadyTimeout); err != nil {
		_ = cmd.Process.Kill()
		_ = e.Close(context.Background())
		return nil, err
	}

	log.Info().Str("session_id", sessionID).Bool("container", inst != nil).Msg("puppeteer connected")
	return e, nil
}
