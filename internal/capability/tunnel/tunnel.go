package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/afk/internal/proctrack"
)

// startupBudget bounds both the dev-server readiness wait and the
// cloudflared URL wait.
const startupBudget = 30 * time.Second

var quickTunnelURL = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

// Info is what the operator sees about an active tunnel.
type Info struct {
	PublicURL string
	Port      int
	Framework string
}

// process is one dev-server child plus its cloudflared child. Each
// child's exit is observed by a reaper goroutine closing its done
// channel, so liveness checks never race the wait.
type process struct {
	devServer   *exec.Cmd
	devDone     chan struct{}
	cloudflared *exec.Cmd
	cfDone      chan struct{}
	info        Info
	tracker     *proctrack.Tracker
}

func reap(cmd *exec.Cmd) chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return done
}

// Capability manages at most one tunnel per session channel.
type Capability struct {
	mu      sync.Mutex
	tunnels map[string]*process
	tracker *proctrack.Tracker
}

func New(tracker *proctrack.Tracker) *Capability {
	return &Capability{tunnels: make(map[string]*process), tracker: tracker}
}

func (c *Capability) Name() string { return "tunnel" }

// Start detects the worktree's dev server, runs it on a free port, and
// exposes it through a cloudflared quick tunnel. One tunnel per channel.
func (c *Capability) Start(ctx context.Context, channelID, worktree string) (Info, error) {
	c.mu.Lock()
	_, exists := c.tunnels[channelID]
	c.mu.Unlock()
	if exists {
		return Info{}, fmt.Errorf("a tunnel is already running for this session")
	}

	server, ok := DetectDevServer(worktree)
	if !ok {
		return Info{}, fmt.Errorf("could not detect a dev server: the worktree needs a package.json with a \"dev\" script")
	}
	cloudflaredPath, err := exec.LookPath("cloudflared")
	if err != nil {
		return Info{}, fmt.Errorf("cloudflared not found in PATH: %w", err)
	}

	p := &process{tracker: c.tracker, info: Info{Port: server.Port, Framework: server.Framework}}

	dev := exec.Command(server.Command[0], server.Command[1:]...)
	dev.Dir = worktree
	if server.Framework == "create-react-app" {
		dev.Env = append(os.Environ(), "PORT="+strconv.Itoa(server.Port))
	}
	devOut, err := dev.StdoutPipe()
	if err != nil {
		return Info{}, fmt.Errorf("dev server stdout: %w", err)
	}
	dev.Stderr = dev.Stdout
	if err := dev.Start(); err != nil {
		return Info{}, fmt.Errorf("start dev server: %w", err)
	}
	p.devServer = dev
	p.devDone = reap(dev)
	c.tracker.Track(dev.Process.Pid)

	slog.Info("dev server started", "framework", server.Framework, "port", server.Port, "channel", channelID)
	waitForDevServer(ctx, devOut, server.Port)

	cf := exec.Command(cloudflaredPath, "tunnel", "--url", fmt.Sprintf("http://localhost:%d", server.Port))
	cfErr, err := cf.StderrPipe()
	if err != nil {
		p.stop()
		return Info{}, fmt.Errorf("cloudflared stderr: %w", err)
	}
	if err := cf.Start(); err != nil {
		p.stop()
		return Info{}, fmt.Errorf("start cloudflared: %w", err)
	}
	p.cloudflared = cf
	p.cfDone = reap(cf)
	c.tracker.Track(cf.Process.Pid)

	url, err := waitForTunnelURL(ctx, cfErr)
	if err != nil {
		p.stop()
		return Info{}, err
	}
	p.info.PublicURL = url

	c.mu.Lock()
	c.tunnels[channelID] = p
	c.mu.Unlock()

	slog.Info("tunnel established", "url", url, "channel", channelID)
	return p.info, nil
}

// Stop tears down the channel's tunnel. Reports whether one existed.
func (c *Capability) Stop(channelID string) bool {
	c.mu.Lock()
	p, ok := c.tunnels[channelID]
	delete(c.tunnels, channelID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.stop()
	slog.Info("tunnel stopped", "channel", channelID)
	return true
}

// Get returns the channel's active tunnel info. Dead tunnels are
// dropped on access.
func (c *Capability) Get(channelID string) (Info, bool) {
	c.mu.Lock()
	p, ok := c.tunnels[channelID]
	c.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	if !p.alive() {
		c.Stop(channelID)
		return Info{}, false
	}
	return p.info, true
}

// Cleanup implements the capability cleaner hook.
func (c *Capability) Cleanup(ctx context.Context, channelID string) {
	c.Stop(channelID)
}

func exited(done chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (p *process) alive() bool {
	return p.devServer != nil && !exited(p.devDone) &&
		p.cloudflared != nil && !exited(p.cfDone)
}

// stop terminates cloudflared first, then the dev server.
func (p *process) stop() {
	kill := func(cmd *exec.Cmd, done chan struct{}) {
		if cmd == nil || cmd.Process == nil {
			return
		}
		pid := cmd.Process.Pid
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		}
		p.tracker.Untrack(pid)
	}
	kill(p.cloudflared, p.cfDone)
	kill(p.devServer, p.devDone)
	p.cloudflared = nil
	p.devServer = nil
}

// waitForDevServer watches the dev server's output for a readiness
// keyword and probes the TCP port, giving up after the startup budget.
// Best-effort: cloudflared retries on its own if the server is slow.
func waitForDevServer(ctx context.Context, out io.Reader, port int) {
	deadline := time.Now().Add(startupBudget)
	keywords := []string{"ready", "started", "listening", "compiled", "localhost"}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(out)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			default:
			}
		}
	}()

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			lower := strings.ToLower(line)
			for _, kw := range keywords {
				if strings.Contains(lower, kw) && portOpen(port) {
					slog.Debug("dev server ready", "port", port)
					return
				}
			}
		case <-time.After(time.Second):
			if portOpen(port) {
				slog.Debug("dev server ready", "port", port)
				return
			}
		}
	}
	slog.Warn("timed out waiting for dev server", "port", port)
}

func portOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// waitForTunnelURL scans cloudflared stderr for the quick tunnel URL.
func waitForTunnelURL(ctx context.Context, stderr io.Reader) (string, error) {
	type result struct {
		url string
		err error
	}
	ch := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if url := quickTunnelURL.FindString(scanner.Text()); url != "" {
				ch <- result{url: url}
				return
			}
		}
		ch <- result{err: fmt.Errorf("cloudflared exited before printing a tunnel URL")}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.url, r.err
	case <-time.After(startupBudget):
		return "", fmt.Errorf("timed out waiting for cloudflared tunnel URL")
	}
}
