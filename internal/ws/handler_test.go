package ws

import (
	"encoding/base64"
	"fmt"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"sealroom/server/internal/core"
	"sealroom/server/internal/files"
	"sealroom/server/internal/protocol"
)

func startTestServer(t *testing.T) string {
	t.Helper()

	fileStore, err := files.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	NewHandler(core.NewRegistry(), core.NewConnectionTable(), fileStore, nil).Register(e)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
}

// readUntil reads frames until pred matches, skipping everything else.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(protocol.ServerMessage) bool) protocol.ServerMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg protocol.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if pred(msg) {
			return msg
		}
	}
}

// expectSilence fails if conn receives any frame within window.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(window))
	var msg protocol.ServerMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected no frames, got %#v", msg)
	}
	_ = conn.SetReadDeadline(time.Time{})
}

func strPtr(s string) *string { return &s }

func isType(kind string) func(protocol.ServerMessage) bool {
	return func(m protocol.ServerMessage) bool { return m.Type == kind }
}

func createRoom(t *testing.T, conn *websocket.Conn, name, userName string, password *string) protocol.ServerMessage {
	t.Helper()
	writeMsg(t, conn, protocol.ClientMessage{
		Type:        protocol.TypeCreateRoom,
		Name:        name,
		Description: "test room",
		Password:    password,
		UserName:    userName,
	})
	created := readUntil(t, conn, isType(protocol.TypeRoomCreated))
	readUntil(t, conn, isType(protocol.TypeMemberList))
	return created
}

func TestCreateAndJoinRoomFlow(t *testing.T) {
	wsURL := startTestServer(t)

	alice := dial(t, wsURL)
	writeMsg(t, alice, protocol.ClientMessage{
		Type:        protocol.TypeCreateRoom,
		Name:        "r",
		Description: "d",
		UserName:    "A",
	})

	created := readUntil(t, alice, isType(protocol.TypeRoomCreated))
	if created.RoomInfo == nil {
		t.Fatal("room_created carried no room_info")
	}
	if _, err := uuid.Parse(created.RoomInfo.ID); err != nil {
		t.Fatalf("room id %q is not a UUID: %v", created.RoomInfo.ID, err)
	}
	if created.RoomInfo.HasPassword {
		t.Fatal("has_password true for passwordless room")
	}
	if created.RoomInfo.JoinKey == "" || created.EncryptionKey == "" {
		t.Fatalf("missing join key or encryption key: %#v", created)
	}
	list := readUntil(t, alice, isType(protocol.TypeMemberList))
	if !reflect.DeepEqual(list.Members, []string{"A"}) {
		t.Fatalf("creator member_list = %#v", list.Members)
	}

	bob := dial(t, wsURL)
	writeMsg(t, bob, protocol.ClientMessage{
		Type:    protocol.TypeJoinRoom,
		JoinKey: created.RoomInfo.JoinKey,
		Name:    "B",
	})
	joined := readUntil(t, bob, isType(protocol.TypeRoomJoined))
	if joined.EncryptionKey != created.EncryptionKey {
		t.Fatal("joiner got a different encryption key than the creator")
	}
	if !reflect.DeepEqual(joined.Participants, []string{"A", "B"}) {
		t.Fatalf("participants = %#v", joined.Participants)
	}

	delta := readUntil(t, alice, isType(protocol.TypeParticipantJoined))
	if delta.Name != "B" {
		t.Fatalf("participant_joined name = %q", delta.Name)
	}
	list = readUntil(t, alice, isType(protocol.TypeMemberList))
	if !reflect.DeepEqual(list.Members, []string{"A", "B"}) {
		t.Fatalf("member_list after join = %#v", list.Members)
	}
}

func TestJoinRejectionsAreIndistinguishable(t *testing.T) {
	wsURL := startTestServer(t)

	alice := dial(t, wsURL)
	created := createRoom(t, alice, "secret room", "A", strPtr("s"))
	if !created.RoomInfo.HasPassword {
		t.Fatal("has_password false for password-gated room")
	}

	carol := dial(t, wsURL)
	writeMsg(t, carol, protocol.ClientMessage{
		Type:     protocol.TypeJoinRoom,
		JoinKey:  created.RoomInfo.JoinKey,
		Password: strPtr("x"),
		Name:     "C",
	})
	wrongPw := readUntil(t, carol, isType(protocol.TypeError))

	writeMsg(t, carol, protocol.ClientMessage{
		Type:    protocol.TypeJoinRoom,
		JoinKey: "deadbeef",
		Name:    "C",
	})
	unknownKey := readUntil(t, carol, isType(protocol.TypeError))

	if wrongPw.ErrorMessage != "Invalid room key or password" {
		t.Fatalf("wrong password error = %q", wrongPw.ErrorMessage)
	}
	if unknownKey.ErrorMessage != wrongPw.ErrorMessage {
		t.Fatalf("rejection messages differ: %q vs %q", unknownKey.ErrorMessage, wrongPw.ErrorMessage)
	}

	// No other participant observes the failed attempts.
	expectSilence(t, alice, 300*time.Millisecond)
}

func TestChatEchoSuppression(t *testing.T) {
	wsURL := startTestServer(t)

	alice := dial(t, wsURL)
	created := createRoom(t, alice, "r", "A", nil)

	bob := dial(t, wsURL)
	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeJoinRoom, JoinKey: created.RoomInfo.JoinKey, Name: "B"})
	readUntil(t, bob, isType(protocol.TypeRoomJoined))
	readUntil(t, bob, isType(protocol.TypeMemberList)) // drain the join broadcast

	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeChatMessage, Content: "ciphertext"})

	got := readUntil(t, alice, isType(protocol.TypeChatMessage))
	if got.Sender != "B" || got.Content != "ciphertext" {
		t.Fatalf("alice received %#v", got)
	}
	// The sender hears nothing back.
	expectSilence(t, bob, 300*time.Millisecond)
}

func TestAbruptDisconnectNotifiesRoom(t *testing.T) {
	wsURL := startTestServer(t)

	alice := dial(t, wsURL)
	created := createRoom(t, alice, "r", "A", nil)

	bob := dial(t, wsURL)
	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeJoinRoom, JoinKey: created.RoomInfo.JoinKey, Name: "B"})
	readUntil(t, bob, isType(protocol.TypeRoomJoined))

	_ = alice.Close()

	left := readUntil(t, bob, isType(protocol.TypeParticipantLeft))
	if left.Name != "A" {
		t.Fatalf("participant_left name = %q", left.Name)
	}
	list := readUntil(t, bob, isType(protocol.TypeMemberList))
	if !reflect.DeepEqual(list.Members, []string{"B"}) {
		t.Fatalf("member_list after disconnect = %#v", list.Members)
	}

	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeGetMembers})
	list = readUntil(t, bob, isType(protocol.TypeMemberList))
	if !reflect.DeepEqual(list.Members, []string{"B"}) {
		t.Fatalf("get_members after disconnect = %#v", list.Members)
	}
}

func TestLeaveRoomKeepsConnectionUsable(t *testing.T) {
	wsURL := startTestServer(t)

	alice := dial(t, wsURL)
	created := createRoom(t, alice, "r", "A", nil)

	bob := dial(t, wsURL)
	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeJoinRoom, JoinKey: created.RoomInfo.JoinKey, Name: "B"})
	readUntil(t, bob, isType(protocol.TypeRoomJoined))

	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeLeaveRoom})
	left := readUntil(t, alice, isType(protocol.TypeParticipantLeft))
	if left.Name != "B" {
		t.Fatalf("participant_left name = %q", left.Name)
	}

	// The socket is still live: the same connection can rejoin.
	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeJoinRoom, JoinKey: created.RoomInfo.JoinKey, Name: "B"})
	rejoined := readUntil(t, bob, isType(protocol.TypeRoomJoined))
	if !reflect.DeepEqual(rejoined.Participants, []string{"A", "B"}) {
		t.Fatalf("participants after rejoin = %#v", rejoined.Participants)
	}
}

func TestFileUploadLifecycle(t *testing.T) {
	wsURL := startTestServer(t)

	alice := dial(t, wsURL)
	created := createRoom(t, alice, "r", "A", nil)

	bob := dial(t, wsURL)
	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeJoinRoom, JoinKey: created.RoomInfo.JoinKey, Name: "B"})
	readUntil(t, bob, isType(protocol.TypeRoomJoined))

	writeMsg(t, alice, protocol.ClientMessage{
		Type:     protocol.TypeUploadFile,
		Name:     "f.txt",
		MimeType: "text/plain",
		Content:  base64.StdEncoding.EncodeToString([]byte("abc")),
	})

	uploaded := readUntil(t, alice, isType(protocol.TypeFileUploaded))
	if uploaded.Metadata == nil {
		t.Fatal("file_uploaded carried no metadata")
	}
	const wantSHA = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if uploaded.Metadata.SHA256 != wantSHA {
		t.Fatalf("sha256 = %q, want %q", uploaded.Metadata.SHA256, wantSHA)
	}

	// Everyone in the room, sender included, sees the file link message.
	wantLink := fmt.Sprintf("[File: f.txt](/files/%s)", uploaded.Metadata.ID)
	link := readUntil(t, bob, isType(protocol.TypeChatMessage))
	if link.Content != wantLink || link.Sender != "A" {
		t.Fatalf("bob's file link frame = %#v", link)
	}

	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeGetFile, FileID: uploaded.Metadata.ID})
	content := readUntil(t, bob, isType(protocol.TypeFileContent))
	if content.Content != "YWJj" {
		t.Fatalf("file_content = %q, want YWJj", content.Content)
	}

	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeGetFile, FileID: uuid.NewString()})
	missing := readUntil(t, bob, isType(protocol.TypeError))
	if missing.ErrorMessage != "File not found or expired" {
		t.Fatalf("missing file error = %q", missing.ErrorMessage)
	}
}

func TestInvalidFileDataIsRejected(t *testing.T) {
	wsURL := startTestServer(t)

	alice := dial(t, wsURL)
	createRoom(t, alice, "r", "A", nil)

	writeMsg(t, alice, protocol.ClientMessage{
		Type:     protocol.TypeUploadFile,
		Name:     "f.bin",
		MimeType: "application/octet-stream",
		Content:  "not valid base64!!",
	})
	errMsg := readUntil(t, alice, isType(protocol.TypeError))
	if errMsg.ErrorMessage != "Invalid file data" {
		t.Fatalf("error = %q", errMsg.ErrorMessage)
	}
}

func TestMalformedFramesAreDroppedSilently(t *testing.T) {
	wsURL := startTestServer(t)

	conn := dial(t, wsURL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	writeMsg(t, conn, protocol.ClientMessage{Type: "no_such_type"})
	// Outside a room, chat and get_members are also dropped.
	writeMsg(t, conn, protocol.ClientMessage{Type: protocol.TypeChatMessage, Content: "into the void"})
	writeMsg(t, conn, protocol.ClientMessage{Type: protocol.TypeGetMembers})

	expectSilence(t, conn, 300*time.Millisecond)

	// The connection survived all of it.
	writeMsg(t, conn, protocol.ClientMessage{Type: protocol.TypeCreateRoom, Name: "r", UserName: "A"})
	readUntil(t, conn, isType(protocol.TypeRoomCreated))
}

func TestMovingRoomsLeavesTheOldOne(t *testing.T) {
	wsURL := startTestServer(t)

	alice := dial(t, wsURL)
	first := createRoom(t, alice, "first", "A", nil)

	bob := dial(t, wsURL)
	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeJoinRoom, JoinKey: first.RoomInfo.JoinKey, Name: "B"})
	readUntil(t, bob, isType(protocol.TypeRoomJoined))
	readUntil(t, alice, isType(protocol.TypeParticipantJoined))

	carol := dial(t, wsURL)
	second := createRoom(t, carol, "second", "C", nil)

	// Bob moves to the second room; the first room hears the departure.
	writeMsg(t, bob, protocol.ClientMessage{Type: protocol.TypeJoinRoom, JoinKey: second.RoomInfo.JoinKey, Name: "B"})
	readUntil(t, bob, isType(protocol.TypeRoomJoined))

	left := readUntil(t, alice, isType(protocol.TypeParticipantLeft))
	if left.Name != "B" {
		t.Fatalf("participant_left name = %q", left.Name)
	}
	list := readUntil(t, alice, isType(protocol.TypeMemberList))
	if !reflect.DeepEqual(list.Members, []string{"A"}) {
		t.Fatalf("first room member_list = %#v", list.Members)
	}

	joined := readUntil(t, carol, isType(protocol.TypeParticipantJoined))
	if joined.Name != "B" {
		t.Fatalf("second room participant_joined = %q", joined.Name)
	}
}
