package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/afk/internal/bus"
	"github.com/nextlevelbuilder/afk/internal/workspace"
)

// drPollInterval is how often a background research job is polled.
const drPollInterval = 10 * time.Second

// drProgressEvery throttles progress events to one per minute at the
// default poll interval.
const drProgressEvery = 6

// DeepResearchOptions configures the remote research runtime. Cost
// rates are dollars per million tokens; defaults match o4-mini-deep-research.
type DeepResearchOptions struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxToolCalls      int
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

func (o DeepResearchOptions) withDefaults() DeepResearchOptions {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Model == "" {
		o.Model = "o4-mini-deep-research"
	}
	if o.MaxToolCalls <= 0 {
		o.MaxToolCalls = 40
	}
	if o.InputCostPerMTok == 0 {
		o.InputCostPerMTok = 1.10
	}
	if o.OutputCostPerMTok == 0 {
		o.OutputCostPerMTok = 4.40
	}
	return o
}

// DeepResearchAgent runs research jobs on the OpenAI Responses API with
// background=true. There is no subprocess; each message submits a job
// and a poller watches it to completion. The finished report is written
// into the working directory and committed so it survives the session.
type DeepResearchAgent struct {
	mu         sync.Mutex
	opts       DeepResearchOptions
	client     *http.Client
	out        chan RawMessage
	session    string // id of the most recent response job
	started    bool
	workingDir string
	cancel     context.CancelFunc
	reportSeq  int
}

// NewDeepResearchAgent returns a factory for the remote runtime.
func NewDeepResearchAgent(opts DeepResearchOptions) Factory {
	opts = opts.withDefaults()
	return func() Agent {
		return &DeepResearchAgent{
			opts:   opts,
			client: &http.Client{Timeout: 120 * time.Second},
		}
	}
}

func (a *DeepResearchAgent) Name() string { return "deep-research" }

func (a *DeepResearchAgent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *DeepResearchAgent) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// Start only validates credentials and emits the synthetic system
// event; no request is made until the first message arrives.
func (a *DeepResearchAgent) Start(ctx context.Context, workingDir, sessionID, stderrLogPath string) error {
	if a.opts.APIKey == "" {
		return fmt.Errorf("deep research requires an OpenAI API key")
	}

	a.mu.Lock()
	a.workingDir = workingDir
	a.session = sessionID
	a.started = true
	a.out = make(chan RawMessage, 64)
	a.mu.Unlock()

	a.emit(RawMessage{Type: TypeSystem, SessionID: sessionID})
	slog.Info("deep research agent ready", "model", a.opts.Model, "cwd", workingDir)
	return nil
}

// SendMessage submits a background research job and starts a poller for
// it. A new message while a job is in flight cancels the old poller;
// the remote job keeps running but its result is discarded.
func (a *DeepResearchAgent) SendMessage(text string) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return fmt.Errorf("deep research agent not started")
	}
	if a.cancel != nil {
		a.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	body := map[string]any{
		"model":      a.opts.Model,
		"input":      text,
		"background": true,
		"tools":      []map[string]any{{"type": "web_search_preview"}},
	}
	if a.opts.MaxToolCalls > 0 {
		body["max_tool_calls"] = a.opts.MaxToolCalls
	}

	var resp drResponse
	if err := a.doJSON(ctx, "POST", "/responses", body, &resp); err != nil {
		cancel()
		return fmt.Errorf("submit research job: %w", err)
	}

	a.mu.Lock()
	a.session = resp.ID
	a.mu.Unlock()

	slog.Info("research job submitted", "response_id", resp.ID, "model", a.opts.Model)
	go a.poll(ctx, resp.ID)
	return nil
}

// SendPermissionResponse is a no-op: the remote runtime never prompts.
func (a *DeepResearchAgent) SendPermissionResponse(requestID string, allowed bool) error {
	return nil
}

func (a *DeepResearchAgent) Responses() <-chan RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out
}

// Stop abandons any in-flight poller. The remote job is left to finish
// on its own; its id stays in the session record for manual retrieval.
func (a *DeepResearchAgent) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	a.cancel = nil
	// Closed under the same lock emit sends under, so no send can
	// interleave with the close.
	close(a.out)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("deep research agent stopped")
	return nil
}

// emit sends without blocking while holding the lock; Stop closes the
// channel under the same lock.
func (a *DeepResearchAgent) emit(msg RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	select {
	case a.out <- msg:
	default:
		slog.Warn("deep research event queue full, dropping event", "type", msg.Type)
	}
}

// poll watches one background job until it leaves the queued/in_progress
// states, emitting a periodic progress line so the operator knows the
// job is alive.
func (a *DeepResearchAgent) poll(ctx context.Context, responseID string) {
	start := time.Now()
	ticker := time.NewTicker(drPollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var resp drResponse
		if err := a.doJSON(ctx, "GET", "/responses/"+responseID, nil, &resp); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("research poll failed", "response_id", responseID, "error", err)
			continue
		}

		switch resp.Status {
		case "queued", "in_progress":
			polls++
			if polls%drProgressEvery == 0 {
				elapsed := time.Since(start).Round(time.Second)
				a.emit(RawMessage{
					Type: TypeAssistant,
					ContentBlocks: []bus.ContentBlock{{
						Type: "text",
						Text: fmt.Sprintf("Research in progress (%s elapsed)...", elapsed),
					}},
				})
			}

		case "completed":
			a.finish(ctx, &resp, start)
			return

		default:
			detail := resp.Status
			if resp.Error != nil && resp.Error.Message != "" {
				detail = resp.Status + ": " + resp.Error.Message
			}
			a.emit(RawMessage{
				Type:          TypeAssistant,
				ContentBlocks: []bus.ContentBlock{{Type: "text", Text: "Research failed: " + detail}},
			})
			a.emit(RawMessage{Type: TypeResult, DurationMS: time.Since(start).Milliseconds()})
			return
		}
	}
}

// finish writes the report into the workspace, commits it, and emits
// the file/result events.
func (a *DeepResearchAgent) finish(ctx context.Context, resp *drResponse, start time.Time) {
	report := resp.outputText()
	if report == "" {
		report = "(research job completed with no text output)"
	}

	a.mu.Lock()
	dir := a.workingDir
	a.reportSeq++
	seq := a.reportSeq
	a.mu.Unlock()

	name := "report.md"
	if seq > 1 {
		name = fmt.Sprintf("report-%d.md", seq)
	}
	path := filepath.Join(dir, name)
	if fi, err := os.Stat(filepath.Join(dir, "output")); err == nil && fi.IsDir() {
		path = filepath.Join(dir, "output", name)
	}

	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		slog.Error("failed to write research report", "path", path, "error", err)
		a.emit(RawMessage{
			Type:          TypeAssistant,
			ContentBlocks: []bus.ContentBlock{{Type: "text", Text: report}},
		})
	} else {
		msgFn := func(context.Context, string) (string, error) { return "Add research report", nil }
		if _, _, err := workspace.CommitAll(ctx, dir, "research", msgFn); err != nil {
			slog.Warn("failed to commit research report", "error", err)
		}
		a.emit(RawMessage{Type: TypeFileOutput, FilePath: path, FileName: name})
	}

	a.emit(RawMessage{
		Type:         TypeResult,
		TotalCostUSD: a.cost(resp.Usage),
		DurationMS:   time.Since(start).Milliseconds(),
	})
}

func (a *DeepResearchAgent) cost(u *drUsage) float64 {
	if u == nil {
		return 0
	}
	return float64(u.InputTokens)/1e6*a.opts.InputCostPerMTok +
		float64(u.OutputTokens)/1e6*a.opts.OutputCostPerMTok
}

func (a *DeepResearchAgent) doJSON(ctx context.Context, method, path string, body, dst any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.opts.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("openai: status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// drResponse is the subset of the Responses API object the poller reads.
type drResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage *drUsage `json:"usage"`
}

type drUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// outputText concatenates the message output items. The final report is
// the last (usually only) message item's text content.
func (r *drResponse) outputText() string {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" && c.Text != "" {
				if b.Len() > 0 {
					b.WriteString("\n\n")
				}
				b.WriteString(c.Text)
			}
		}
	}
	return b.String()
}
