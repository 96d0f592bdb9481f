package protocol

import "time"

// Message types sent by clients.
const (
	TypeCreateRoom  = "create_room"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeChatMessage = "chat_message"
	TypeGetMembers  = "get_members"
	TypeUploadFile  = "upload_file"
	TypeGetFile     = "get_file"
)

// Message types sent by the server.
const (
	TypeRoomCreated       = "room_created"
	TypeRoomJoined        = "room_joined"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeMemberList        = "member_list"
	TypeFileUploaded      = "file_uploaded"
	TypeFileContent       = "file_content"
	TypeError             = "error"
)

// ClientMessage is one inbound JSON frame from a websocket client.
// The Type discriminator selects which fields are meaningful.
type ClientMessage struct {
	Type        string  `json:"type"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Password    *string `json:"password,omitempty"`
	UserName    string  `json:"user_name,omitempty"`
	JoinKey     string  `json:"join_key,omitempty"`
	Content     string  `json:"content,omitempty"` // chat body or base64 file bytes
	MimeType    string  `json:"mime_type,omitempty"`
	FileID      string  `json:"file_id,omitempty"`
}

// ServerMessage is one outbound JSON frame to a websocket client.
type ServerMessage struct {
	Type          string        `json:"type"`
	RoomInfo      *RoomInfo     `json:"room_info,omitempty"`
	EncryptionKey string        `json:"encryption_key,omitempty"`
	Participants  []string      `json:"participants,omitempty"`
	Members       []string      `json:"members,omitempty"`
	Name          string        `json:"name,omitempty"`
	Sender        string        `json:"sender,omitempty"`
	Content       string        `json:"content,omitempty"`
	Metadata      *FileMetadata `json:"metadata,omitempty"`
	ErrorMessage  string        `json:"message,omitempty"`
}

// RoomInfo is the public view of a room. The password itself never
// appears on the wire, only its existence.
type RoomInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	HasPassword bool   `json:"has_password"`
	JoinKey     string `json:"join_key"`
}

// FileMetadata describes one stored ephemeral file.
type FileMetadata struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	UploadedAt time.Time `json:"uploaded_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the file is past its logical expiry at now.
func (m FileMetadata) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}
