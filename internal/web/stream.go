package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/afk/internal/bus"
	"github.com/nextlevelbuilder/afk/pkg/protocol"
)

// streamClient collects every bus event type into one ordered queue for
// a single SSE or WebSocket consumer.
type streamClient struct {
	out     chan protocol.Envelope
	closers []func()
	wg      sync.WaitGroup
}

func newStreamClient(b *bus.Bus) *streamClient {
	c := &streamClient{out: make(chan protocol.Envelope, bus.DefaultQueueSize)}
	relay(c, b, protocol.KindSystem, func(ev bus.AgentSystem) any { return ev })
	relay(c, b, protocol.KindAssistant, func(ev bus.AgentAssistant) any { return ev })
	relay(c, b, protocol.KindPermissionRequest, func(ev bus.AgentPermissionRequest) any { return ev })
	relay(c, b, protocol.KindResult, func(ev bus.AgentResult) any { return ev })
	relay(c, b, protocol.KindInputRequest, func(ev bus.AgentInputRequest) any { return ev })
	relay(c, b, protocol.KindAgentStopped, func(ev bus.AgentStopped) any { return ev })
	relay(c, b, protocol.KindFileReady, func(ev bus.FileReady) any { return ev })
	relay(c, b, protocol.KindSessionCreated, func(ev bus.SessionCreated) any { return ev })
	return c
}

// relay forwards one event type into the client queue. A slow consumer
// drops events rather than stalling the bus.
func relay[T any](c *streamClient, b *bus.Bus, kind string, view func(T) any) {
	sub := bus.Subscribe[T](b, 0)
	c.closers = append(c.closers, sub.Close)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range sub.C() {
			select {
			case c.out <- protocol.Envelope{Type: kind, Event: view(ev)}:
			default:
			}
		}
	}()
}

func (c *streamClient) close() {
	for _, closeSub := range c.closers {
		closeSub()
	}
	c.wg.Wait()
	close(c.out)
}

// handleEvents streams bus events as Server-Sent Events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Keep reverse proxies from buffering the stream.
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	client := newStreamClient(s.opts.Bus)
	defer client.close()

	for {
		select {
		case <-r.Context().Done():
			return
		case env := <-client.out:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWebSocket bridges the event bus over a WebSocket and accepts
// inbound session messages and permission decisions.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := newStreamClient(s.opts.Bus)
	defer client.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.wsWriteLoop(ctx, conn, client)
	// Errors go back through the write loop; gorilla connections allow
	// only one concurrent writer.
	s.wsReadLoop(conn, client)
}

func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, client *streamClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case env := <-client.out:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(conn *websocket.Conn, client *streamClient) {
	for {
		var cmd protocol.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "error", err)
			}
			return
		}

		var cmdErr error
		switch cmd.Type {
		case protocol.CmdMessage:
			cmdErr = s.opts.Cmds.SendMessage(cmd.ChannelID, cmd.Text)
		case protocol.CmdPermission:
			cmdErr = s.opts.Cmds.PermissionResponse(cmd.ChannelID, cmd.RequestID, cmd.Allowed)
		default:
			cmdErr = fmt.Errorf("unknown command type %q", cmd.Type)
		}
		if cmdErr != nil {
			select {
			case client.out <- protocol.Envelope{Type: protocol.KindError, Event: map[string]string{"error": cmdErr.Error()}}:
			default:
			}
		}
	}
}
