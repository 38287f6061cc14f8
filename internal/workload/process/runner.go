// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package process runs each session workload as a local subprocess in its own
// process group and detects readiness by probing the port it was told to listen on.
package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/simdesk/internal/domain/session/ports"
	"github.com/ManuGH/simdesk/internal/log"
	"github.com/ManuGH/simdesk/internal/procgroup"
)

// Check selects how readiness is detected.
type Check string

const (
	CheckTCP  Check = "tcp"
	CheckHTTP Check = "http"
)

// Placeholders expanded in every argv element.
const (
	PlaceholderPort = "{port}"
	PlaceholderUser = "{user}"
)

// Config describes how workloads are started and checked for readiness.
type Config struct {
	// Instance is stamped into every handle. A runner only reclaims handles
	// carrying its own instance, so it must be stable across restarts and
	// distinct between daemons sharing a store. Defaults to the hostname.
	Instance      string
	Command       []string
	Host          string // address the workload binds and is checked on
	Readiness     Check
	CheckPath     string
	CheckInterval time.Duration
	KillWait      time.Duration // grace after SIGKILL before giving up
	Env           []string
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Readiness == "" {
		c.Readiness = CheckTCP
	}
	if c.CheckPath == "" {
		c.CheckPath = "/"
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 250 * time.Millisecond
	}
	if c.KillWait <= 0 {
		c.KillWait = 2 * time.Second
	}
	if c.Instance == "" {
		c.Instance, _ = os.Hostname()
	}
	return c
}

const handlePrefix = "proc"

// formatHandle encodes the process group so a restarted runner can still
// signal a workload it no longer holds in memory.
func formatHandle(instance string, pgid int) ports.Handle {
	return ports.Handle(strings.Join([]string{handlePrefix, instance, strconv.Itoa(pgid), uuid.New().String()}, "/"))
}

// parseHandle returns the process group of a handle issued by instance.
func parseHandle(h ports.Handle, instance string) (int, bool) {
	parts := strings.Split(string(h), "/")
	if len(parts) != 4 || parts[0] != handlePrefix || parts[1] != instance {
		return 0, false
	}
	pgid, err := strconv.Atoi(parts[2])
	if err != nil || pgid <= 0 {
		return 0, false
	}
	return pgid, true
}

type proc struct {
	userID  string
	cmd     *exec.Cmd
	port    int
	exited  chan struct{}
	exitErr error
}

// Runner implements ports.WorkloadRunner on top of os/exec.
type Runner struct {
	cfg    Config
	http   *retryablehttp.Client
	logger zerolog.Logger

	mu    sync.Mutex
	procs map[ports.Handle]*proc
}

var _ ports.WorkloadRunner = (*Runner)(nil)

// New validates cfg and builds a runner.
func New(cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("process runner: empty command")
	}
	if cfg.Readiness != CheckTCP && cfg.Readiness != CheckHTTP {
		return nil, fmt.Errorf("process runner: unknown readiness check %q", cfg.Readiness)
	}
	if cfg.Instance == "" || strings.Contains(cfg.Instance, "/") {
		return nil, fmt.Errorf("process runner: invalid instance %q", cfg.Instance)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = cfg.CheckInterval
	client.HTTPClient.Timeout = 2 * time.Second
	client.Logger = nil // Disable logging

	return &Runner{
		cfg:    cfg,
		http:   client,
		logger: log.WithComponent("workload"),
		procs:  make(map[ports.Handle]*proc),
	}, nil
}

// Launch allocates a port, expands the command template and starts the
// workload. The process is deliberately not bound to ctx: it must outlive
// the request that started it.
func (r *Runner) Launch(ctx context.Context, spec ports.LaunchSpec) (ports.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	port, err := freePort(r.cfg.Host)
	if err != nil {
		return "", fmt.Errorf("allocate port: %w", err)
	}

	argv := expand(r.cfg.Command, port, spec.UserID)
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv comes from operator configuration
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"SIMDESK_PORT="+strconv.Itoa(port),
		"SIMDESK_USER="+spec.UserID,
		"SIMDESK_HOST="+r.cfg.Host,
	)
	out := r.logger.With().Str(log.FieldUserID, spec.UserID).Str("stream", "workload").Logger()
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second
	procgroup.Set(cmd)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", argv[0], err)
	}

	h := formatHandle(r.cfg.Instance, cmd.Process.Pid)
	p := &proc{userID: spec.UserID, cmd: cmd, port: port, exited: make(chan struct{})}
	r.mu.Lock()
	r.procs[h] = p
	r.mu.Unlock()

	go r.reap(h, p)

	r.logger.Info().
		Str(log.FieldUserID, spec.UserID).
		Str(log.FieldHandle, string(h)).
		Int(log.FieldPID, cmd.Process.Pid).
		Int(log.FieldPort, port).
		Msg("workload started")
	return h, nil
}

func (r *Runner) reap(h ports.Handle, p *proc) {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.exited)

	ev := r.logger.Info()
	if err != nil {
		ev = r.logger.Warn().Err(err)
	}
	ev.Str(log.FieldHandle, string(h)).
		Str(log.FieldUserID, p.userID).
		Int(log.FieldExitCode, p.cmd.ProcessState.ExitCode()).
		Msg("workload exited")
}

func (r *Runner) lookup(h ports.Handle) (*proc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[h]
	return p, ok
}

// WaitHealthy polls the readiness check until it succeeds, the process
// exits (permanent) or timeout elapses.
func (r *Runner) WaitHealthy(ctx context.Context, h ports.Handle, timeout time.Duration) (int, error) {
	p, ok := r.lookup(h)
	if !ok {
		return 0, ports.ErrUnknownHandle
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(r.cfg.CheckInterval)
	defer tick.Stop()

	for {
		select {
		case <-p.exited:
			return 0, fmt.Errorf("%w: %v", ports.ErrWorkloadExited, p.exitErr)
		default:
		}
		if r.ready(ctx, p.port) {
			return p.port, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, ports.ErrHealthTimeout
		case <-p.exited:
			return 0, fmt.Errorf("%w: %v", ports.ErrWorkloadExited, p.exitErr)
		case <-tick.C:
		}
	}
}

func (r *Runner) ready(ctx context.Context, port int) bool {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(port))
	switch r.cfg.Readiness {
	case CheckHTTP:
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+r.cfg.CheckPath, nil)
		if err != nil {
			return false
		}
		resp, err := r.http.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	default:
		d := net.Dialer{Timeout: r.cfg.CheckInterval}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// Stop terminates the process group: SIGTERM, up to timeout, then SIGKILL.
// Handles from an earlier run of this instance are stopped through their
// encoded process group; anything else is ErrUnknownHandle.
func (r *Runner) Stop(ctx context.Context, h ports.Handle, timeout time.Duration) error {
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	p, ok := r.lookup(h)
	if !ok {
		pgid, ok := r.adoptable(h)
		if !ok {
			return ports.ErrUnknownHandle
		}
		return stopErr(procgroup.TerminateGroup(pgid, timeout, r.cfg.KillWait))
	}

	if err := stopErr(procgroup.Terminate(p.cmd, p.exited, timeout, r.cfg.KillWait)); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.procs, h)
	r.mu.Unlock()
	return nil
}

func (r *Runner) IsAlive(ctx context.Context, h ports.Handle) (bool, error) {
	p, ok := r.lookup(h)
	if !ok {
		pgid, ok := r.adoptable(h)
		if !ok {
			return false, ports.ErrUnknownHandle
		}
		return procgroup.GroupAlive(pgid), nil
	}
	select {
	case <-p.exited:
		return false, nil
	default:
		return true, nil
	}
}

// adoptable returns the process group of a handle this instance issued but
// no longer tracks, either because it was stopped or because the daemon restarted.
// A group id now led by one of our live workloads was recycled: the old group
// is gone and 0 is returned in its place.
func (r *Runner) adoptable(h ports.Handle) (int, bool) {
	pgid, ok := parseHandle(h, r.cfg.Instance)
	if !ok {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.procs {
		if p.cmd.Process.Pid == pgid {
			return 0, true
		}
	}
	return pgid, true
}

func stopErr(err error) error {
	if errors.Is(err, procgroup.ErrKillFailed) {
		return ports.ErrStopTimeout
	}
	return err
}

// freePort asks the kernel for an unused port. The port is released before
// the workload binds it, so a concurrent binder can still steal it; the
// workload then fails its readiness check and the launch is reported failed.
func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func expand(tmpl []string, port int, userID string) []string {
	r := strings.NewReplacer(PlaceholderPort, strconv.Itoa(port), PlaceholderUser, userID)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out
}
