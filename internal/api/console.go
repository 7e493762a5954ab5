package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/scalebox/scalebox/internal/hypervisor"
	"github.com/scalebox/scalebox/internal/vmmodel"
)

// consoleUpgrader matches the teacher's websocket.Upgrader: open CheckOrigin
// since this is a local control-plane daemon, not a public-facing surface.
var consoleUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const consolePingInterval = 30 * time.Second

// streamConsole upgrades to a WebSocket and tails the VM's captured
// console log, per SPEC_FULL.md §4.11 — the first real implementation
// of the teacher's StreamLogs TODO stub. Read-only: the client never
// sends console input.
func (s *Server) streamConsole(w http.ResponseWriter, r *http.Request) {
	vm, err := s.coord.Get(chi.URLParam(r, "idOrName"))
	if err != nil {
		respondAPIError(w, err)
		return
	}

	conn, err := consoleUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	lines := make(chan string, 64)

	tailCtx, tailCancel := context.WithCancel(r.Context())
	defer tailCancel()
	go hypervisor.TailConsole(tailCtx, vmmodel.ConsoleLogPath(vm.ID), lines)

	go drainClientReads(conn, tailCancel)

	ping := time.NewTicker(consolePingInterval)
	defer ping.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-tailCtx.Done():
			return
		}
	}
}

// drainClientReads discards any client-sent frames (this is a
// read-only tail) and cancels the stream once the client disconnects.
func drainClientReads(conn *websocket.Conn, cancel func()) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
