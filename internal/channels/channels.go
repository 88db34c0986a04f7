// Package channels defines the control-plane contract. A control plane
// owns one operator surface (Telegram group, local web UI), parses its
// input into facade calls, and renders bus events back out.
package channels

import "context"

// GeneralChannelID is the shared non-session channel where operators
// run project and session management commands.
const GeneralChannelID = "general"

// ControlPlane is one operator surface. Implementations also satisfy
// session.ChannelOpener when they can create per-session channels.
type ControlPlane interface {
	Name() string

	// Start connects the surface and begins consuming operator input.
	// It returns once the surface is running; event rendering happens
	// on background goroutines until Stop.
	Start(ctx context.Context) error

	// Stop disconnects and waits for in-flight handlers to drain.
	Stop(ctx context.Context) error
}

// Truncate shortens s to at most n bytes for log previews.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
