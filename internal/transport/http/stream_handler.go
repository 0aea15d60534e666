package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	apierrors "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
	"github.com/darshitp091/Defence-Engine/internal/workers"
	"github.com/darshitp091/Defence-Engine/pkg/contracts/domain"
	"github.com/darshitp091/Defence-Engine/pkg/contracts/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Batches queued per connection before the reader blocks
	streamQueue = 8
)

// streamCommand is one parsed client message; err is reported back
// instead of generating.
type streamCommand struct {
	req domain.StreamRequest
	err error
}

// StreamHandler serves GET /api/hash/stream. Each client message requests
// a batch; the server answers with one hash:generated message per hash and
// a closing hash:batch_done. Engine stats are pushed every statsInterval.
type StreamHandler struct {
	engine        HashService
	validator     *requestValidator
	upgrader      websocket.Upgrader
	statsInterval time.Duration
	logger        *slog.Logger
}

// NewStreamHandler creates the websocket handler. statsInterval <= 0
// disables the periodic stats push.
func NewStreamHandler(engine HashService, statsInterval time.Duration, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		engine:        engine,
		validator:     newRequestValidator(),
		statsInterval: statsInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With(slog.String("handler", "stream")),
	}
}

// ServeHTTP upgrades the connection and blocks until it closes.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	start := time.Now()
	h.logger.InfoContext(ctx, "stream client connected", slog.String("remote_addr", r.RemoteAddr))

	commands := make(chan streamCommand, streamQueue)
	go h.readPump(ctx, cancel, conn, commands)
	sent := h.writePump(ctx, conn, commands)

	h.logger.InfoContext(ctx, "stream client disconnected",
		slog.Duration("connection_duration", time.Since(start)),
		slog.Int("messages_sent", sent))
}

// readPump parses client messages until the peer goes away.
func (h *StreamHandler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- streamCommand) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "unexpected websocket close", slog.String("error", err.Error()))
			}
			return
		}

		var cmd streamCommand
		if err := json.Unmarshal(message, &cmd.req); err != nil {
			cmd.err = apierrors.InvalidRequestWithError(err)
		} else if err := h.validator.validate(&cmd.req); err != nil {
			cmd.err = err
		}

		select {
		case out <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// writePump owns every write to conn and returns the number of messages sent.
func (h *StreamHandler) writePump(ctx context.Context, conn *websocket.Conn, commands <-chan streamCommand) int {
	traceID := infrastructure.GetTraceID(ctx)
	sent := 0
	send := func(t events.MessageType, data interface{}) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(events.NewMessage(t, traceID, data, time.Now().UTC())); err != nil {
			h.logger.DebugContext(ctx, "websocket write failed", slog.String("error", err.Error()))
			return false
		}
		sent++
		return true
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	var statsC <-chan time.Time
	if h.statsInterval > 0 {
		stats := time.NewTicker(h.statsInterval)
		defer stats.Stop()
		statsC = stats.C
	}

	if !send(events.MessageTypeConnect, h.engine.Stats()) {
		return sent
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return sent

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return sent
			}

		case <-statsC:
			if !send(events.MessageTypeSystemStats, h.engine.Stats()) {
				return sent
			}

		case cmd := <-commands:
			if cmd.err != nil {
				if !send(events.MessageTypeError, streamError(cmd.err)) {
					return sent
				}
				continue
			}
			if !h.serveBatch(ctx, cmd.req, send) {
				return sent
			}
		}
	}
}

// serveBatch generates one requested batch. It returns false once the
// connection can no longer be written.
func (h *StreamHandler) serveBatch(ctx context.Context, req domain.StreamRequest, send func(events.MessageType, interface{}) bool) bool {
	variant, err := workers.ParseVariant(req.Variant)
	if err != nil {
		return send(events.MessageTypeError, streamError(apierrors.InvalidRequestWithError(err)))
	}

	start := time.Now()
	hashes, err := h.engine.Generate(ctx, req.Count, variant, req.Seed)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		return send(events.MessageTypeError, streamError(err))
	}

	for i, hh := range hashes {
		if !send(events.MessageTypeHash, events.HashEvent{
			Sequence: i,
			Variant:  string(variant),
			Hash:     hh.Encoded,
			Epoch:    hh.Epoch,
		}) {
			return false
		}
	}
	return send(events.MessageTypeBatchDone, events.BatchDoneEvent{
		Count:     len(hashes),
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}

func streamError(err error) events.ErrorEvent {
	apiErr := apierrors.FromError(err)
	return events.ErrorEvent{
		Code:    apiErr.ErrorCode,
		Message: apiErr.Message,
		Retry:   errors.Is(err, apierrors.ErrBusy),
	}
}
