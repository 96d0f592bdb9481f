// Package ws owns the websocket transport: one reader/writer pair per
// connection and the routing of client frames onto room state.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"sealroom/server/internal/core"
	"sealroom/server/internal/files"
	"sealroom/server/internal/protocol"
	"sealroom/server/internal/store"
)

const writeTimeout = 5 * time.Second

// Handler upgrades websocket requests and routes their frames.
type Handler struct {
	rooms    *core.Registry
	conns    *core.ConnectionTable
	files    *files.Store
	events   *store.Store // nil disables event logging
	upgrader websocket.Upgrader
}

// NewHandler builds a handler over the shared room, connection, and
// file state. events may be nil.
func NewHandler(rooms *core.Registry, conns *core.ConnectionTable, fileStore *files.Store, events *store.Store) *Handler {
	return &Handler{
		rooms:  rooms,
		conns:  conns,
		files:  fileStore,
		events: events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

// serveConn runs the reader loop for one connection and spawns its
// writer. The deferred cleanup is idempotent with leave_room handling.
func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(protocol.MaxFrameSize)

	participantID := uuid.NewString()
	sink := core.NewSink()
	h.conns.Insert(participantID, sink)
	slog.Info("connection opened", "participant_id", participantID)

	defer func() {
		h.notifyDeparture(h.rooms.Leave(participantID), participantID)
		h.conns.Remove(participantID)
		slog.Info("connection closed", "participant_id", participantID)
	}()

	go func() {
		for out := range sink.Out() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				// Force the reader loop out; cleanup runs there.
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var in protocol.ClientMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			continue // malformed frames are dropped without response
		}
		h.handleInbound(participantID, in)
	}
}

func (h *Handler) handleInbound(participantID string, in protocol.ClientMessage) {
	switch in.Type {
	case protocol.TypeCreateRoom:
		h.handleCreateRoom(participantID, in)
	case protocol.TypeJoinRoom:
		h.handleJoinRoom(participantID, in)
	case protocol.TypeLeaveRoom:
		// Roster cleanup only; the sink stays live so the still-open
		// connection can create or join another room.
		h.notifyDeparture(h.rooms.Leave(participantID), participantID)
	case protocol.TypeChatMessage:
		h.handleChat(participantID, in)
	case protocol.TypeGetMembers:
		h.handleGetMembers(participantID)
	case protocol.TypeUploadFile:
		h.handleUploadFile(participantID, in)
	case protocol.TypeGetFile:
		h.handleGetFile(participantID, in)
	default:
		// Unknown types are dropped, same as malformed frames.
	}
}

func (h *Handler) handleCreateRoom(participantID string, in protocol.ClientMessage) {
	info, encryptionKey, departure, err := h.rooms.Create(in.Name, in.Description, in.Password, participantID, in.UserName)
	if err != nil {
		h.sendError(participantID, err.Error())
		return
	}
	h.notifyDeparture(departure, participantID)

	h.conns.Send(participantID, protocol.ServerMessage{
		Type:          protocol.TypeRoomCreated,
		RoomInfo:      &info,
		EncryptionKey: encryptionKey,
	})
	h.broadcastMemberList(info.ID)
	h.logEvent(store.KindRoomCreated, info.ID, participantID, in.Name)
}

func (h *Handler) handleJoinRoom(participantID string, in protocol.ClientMessage) {
	info, encryptionKey, members, departure, err := h.rooms.Join(in.JoinKey, in.Password, participantID, in.Name)
	if err != nil {
		h.sendError(participantID, err.Error())
		return
	}
	h.notifyDeparture(departure, participantID)

	h.conns.Send(participantID, protocol.ServerMessage{
		Type:          protocol.TypeRoomJoined,
		RoomInfo:      &info,
		EncryptionKey: encryptionKey,
		Participants:  memberNames(members),
	})
	h.conns.SendEach(memberIDs(members), protocol.ServerMessage{
		Type: protocol.TypeParticipantJoined,
		Name: in.Name,
	}, participantID)
	h.conns.SendEach(memberIDs(members), protocol.ServerMessage{
		Type:    protocol.TypeMemberList,
		Members: memberNames(members),
	}, "")
	h.logEvent(store.KindJoined, info.ID, participantID, in.Name)
}

func (h *Handler) handleChat(participantID string, in protocol.ClientMessage) {
	_, members, ok := h.rooms.RosterOf(participantID)
	if !ok {
		return
	}
	// The body is opaque to the server: no inspection, no storage.
	h.conns.SendEach(memberIDs(members), protocol.ServerMessage{
		Type:    protocol.TypeChatMessage,
		Sender:  displayName(members, participantID),
		Content: in.Content,
	}, participantID)
}

func (h *Handler) handleGetMembers(participantID string) {
	_, members, ok := h.rooms.RosterOf(participantID)
	if !ok {
		return
	}
	h.conns.Send(participantID, protocol.ServerMessage{
		Type:    protocol.TypeMemberList,
		Members: memberNames(members),
	})
}

func (h *Handler) handleUploadFile(participantID string, in protocol.ClientMessage) {
	content, err := base64.StdEncoding.DecodeString(in.Content)
	if err != nil {
		h.sendError(participantID, "Invalid file data")
		return
	}

	meta, err := h.files.Put(in.Name, in.MimeType, content)
	if err != nil {
		h.sendError(participantID, err.Error())
		return
	}

	if roomID, members, ok := h.rooms.RosterOf(participantID); ok {
		h.conns.SendEach(memberIDs(members), protocol.ServerMessage{
			Type:    protocol.TypeChatMessage,
			Sender:  displayName(members, participantID),
			Content: fmt.Sprintf("[File: %s](/files/%s)", meta.Name, meta.ID),
		}, "")
		h.logEvent(store.KindUploaded, roomID, participantID, meta.ID)
	}

	h.conns.Send(participantID, protocol.ServerMessage{
		Type:     protocol.TypeFileUploaded,
		Metadata: &meta,
	})
}

func (h *Handler) handleGetFile(participantID string, in protocol.ClientMessage) {
	meta, content, err := h.files.Get(in.FileID)
	if err != nil {
		h.sendError(participantID, err.Error())
		return
	}
	h.conns.Send(participantID, protocol.ServerMessage{
		Type:     protocol.TypeFileContent,
		Metadata: &meta,
		Content:  base64.StdEncoding.EncodeToString(content),
	})
}

// notifyDeparture tells a departed participant's former room about the
// leave: the delta first, then the authoritative member_list.
func (h *Handler) notifyDeparture(departure *core.Departure, participantID string) {
	if departure == nil {
		return
	}
	h.conns.SendEach(memberIDs(departure.Remaining), protocol.ServerMessage{
		Type: protocol.TypeParticipantLeft,
		Name: departure.Name,
	}, "")
	h.conns.SendEach(memberIDs(departure.Remaining), protocol.ServerMessage{
		Type:    protocol.TypeMemberList,
		Members: memberNames(departure.Remaining),
	}, "")
	h.logEvent(store.KindLeft, departure.RoomID, participantID, departure.Name)
}

func (h *Handler) broadcastMemberList(roomID string) {
	members, ok := h.rooms.Roster(roomID)
	if !ok {
		return
	}
	h.conns.SendEach(memberIDs(members), protocol.ServerMessage{
		Type:    protocol.TypeMemberList,
		Members: memberNames(members),
	}, "")
}

func (h *Handler) sendError(participantID, message string) {
	h.conns.Send(participantID, protocol.ServerMessage{
		Type:         protocol.TypeError,
		ErrorMessage: message,
	})
}

// logEvent appends to the event log off the hot path. Failures are
// logged and dropped; appends never block or fail a frame.
func (h *Handler) logEvent(kind, roomID, participantID, detail string) {
	if h.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.events.Append(ctx, kind, roomID, participantID, detail); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("event log append failed", "kind", kind, "err", err)
		}
	}()
}

func memberIDs(members []core.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.ID)
	}
	return out
}

func memberNames(members []core.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Name)
	}
	return out
}

func displayName(members []core.Member, participantID string) string {
	for _, m := range members {
		if m.ID == participantID {
			return m.Name
		}
	}
	return ""
}
