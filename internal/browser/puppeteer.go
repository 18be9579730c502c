// Package browser drives a headless Chrome through a node puppeteer sidecar
// and, optionally, runs that Chrome in a per-session docker container.
package browser

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shehryarbajwa/browserpilot/internal/agent"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const maxLine = 10 * 1024 * 1024

// request is one JSON line written to the sidecar's stdin.
type request struct {
	ID     int64  `json:"id"`
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Text   string `json:"text,omitempty"`
	URL    string `json:"url,omitempty"`
	DeltaY int    `json:"deltaY,omitempty"`
}

// response is one JSON line read from the sidecar's stdout. The ready
// handshake carries id 0.
type response struct {
	ID      int64    `json:"id"`
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
	URL     string   `json:"url,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

// Engine talks to a puppeteer sidecar over newline-delimited JSON. Requests
// are correlated with responses by id, so captures from the frame producer
// and actions from the worker can be in flight together. Engine implements
// agent.Engine and agent.TargetLister.
type Engine struct {
	sessionID string
	stdin     io.WriteCloser
	timeout   time.Duration
	log       zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan response

	ready   chan response
	dead    chan struct{}
	dieOnce sync.Once

	// release runs once after the sidecar is gone.
	release   func(ctx context.Context) error
	closeOnce sync.Once
	closeErr  error
}

func newEngine(sessionID string, stdin io.WriteCloser, stdout io.Reader, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	e := &Engine{
		sessionID: sessionID,
		stdin:     stdin,
		timeout:   timeout,
		log:       log.With().Str("session_id", sessionID).Str("component", "puppeteer").Logger(),
		pending:   make(map[int64]chan response),
		ready:     make(chan response, 1),
		dead:      make(chan struct{}),
	}
	go e.readLoop(stdout)
	return e
}

func (e *Engine) readLoop(stdout io.Reader) {
	defer e.die()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		var resp response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			e.log.Debug().Str("line", truncate(scanner.Text(), 200)).Msg("ignoring non-JSON sidecar output")
			continue
		}
		if resp.ID == 0 {
			select {
			case e.ready <- resp:
			default:
			}
			continue
		}

		e.mu.Lock()
		ch, ok := e.pending[resp.ID]
		delete(e.pending, resp.ID)
		e.mu.Unlock()
		if !ok {
			e.log.Debug().Int64("id", resp.ID).Msg("response for abandoned request")
			continue
		}
		ch <- resp
	}

	if err := scanner.Err(); err != nil {
		e.log.Warn().Err(err).Msg("sidecar output error")
	}
}

func (e *Engine) die() {
	e.dieOnce.Do(func() { close(e.dead) })
}

// waitReady blocks until the sidecar reports it is connected to a page.
func (e *Engine) waitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-e.ready:
		return readyError(msg)
	case <-e.dead:
		select {
		case msg := <-e.ready:
			return readyError(msg)
		default:
		}
		return fmt.Errorf("puppeteer exited during startup: %w", agent.ErrSurfaceClosed)
	case <-timer.C:
		return errors.New("puppeteer startup timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readyError(msg response) error {
	if msg.Status != "ready" {
		return fmt.Errorf("puppeteer failed to initialize: %s", msg.Message)
	}
	return nil
}

// call sends req and waits for its response, the per-command timeout, ctx,
// or the sidecar's exit.
func (e *Engine) call(ctx context.Context, req request) (response, error) {
	select {
	case <-e.dead:
		return response{}, fmt.Errorf("%s: %w", req.Action, agent.ErrSurfaceClosed)
	default:
	}

	req.ID = e.nextID.Add(1)
	ch := make(chan response, 1)
	e.mu.Lock()
	e.pending[req.ID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, req.ID)
		e.mu.Unlock()
	}()

	line, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("failed to marshal command: %w", err)
	}
	e.writeMu.Lock()
	_, err = e.stdin.Write(append(line, '\n'))
	e.writeMu.Unlock()
	if err != nil {
		return response{}, fmt.Errorf("send %s: %v: %w", req.Action, err, agent.ErrSurfaceClosed)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Status == "error" {
			return response{}, fmt.Errorf("%s: %s", req.Action, resp.Message)
		}
		return resp, nil
	case <-e.dead:
		return response{}, fmt.Errorf("%s: %w", req.Action, agent.ErrSurfaceClosed)
	case <-timer.C:
		return response{}, fmt.Errorf("%s: %w", req.Action, context.DeadlineExceeded)
	case <-ctx.Done():
		return response{}, fmt.Errorf("%s: %w", req.Action, ctx.Err())
	}
}

// Capture returns a PNG screenshot of the viewport.
func (e *Engine) Capture(ctx context.Context) ([]byte, error) {
	resp, err := e.call(ctx, request{Action: "screenshot"})
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return raw, nil
}

func (e *Engine) CurrentTarget(ctx context.Context) (string, error) {
	resp, err := e.call(ctx, request{Action: "url"})
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// Perform executes one action on the page.
func (e *Engine) Perform(ctx context.Context, a models.Action) error {
	req := request{Target: a.Target, Text: a.Text, URL: a.URL, DeltaY: a.DeltaY}
	switch a.Type {
	case models.ActionNavigate:
		req.Action = "navigate"
	case models.ActionClick:
		req.Action = "click"
	case models.ActionTypeText:
		req.Action = "type"
	case models.ActionScroll:
		req.Action = "scroll"
	case models.ActionBack:
		req.Action = "back"
	case models.ActionKey:
		req.Action = "key"
	case models.ActionWait:
		req.Action = "wait"
	case models.ActionDone:
		return nil
	default:
		return fmt.Errorf("unsupported action %q", a.Type)
	}
	_, err := e.call(ctx, req)
	return err
}

// Targets lists selectors of visible interactive elements.
func (e *Engine) Targets(ctx context.Context) ([]string, error) {
	resp, err := e.call(ctx, request{Action: "targets"})
	if err != nil {
		return nil, err
	}
	return resp.Targets, nil
}

// Done is closed once the sidecar has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.dead
}

// Close asks the sidecar to close the browser, then releases the process and
// any container behind it.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := e.call(cctx, request{Action: "close"}); err != nil && !errors.Is(err, agent.ErrSurfaceClosed) {
			e.log.Debug().Err(err).Msg("close command failed")
		}
		cancel()
		_ = e.stdin.Close()

		if e.release != nil {
			e.closeErr = e.release(ctx)
		}
		e.log.Info().Msg("puppeteer connection closed")
	})
	return e.closeErr
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
