package domain

import "encoding/json"

// Event names shared by server and client. Names used in both directions
// carry a different payload per direction.
const (
	EventJoin        = "join"
	EventChatMessage = "chat:message"
	EventChatFile    = "chat:file"
	EventTyping      = "chat:typing"
	EventStopTyping  = "chat:stopTyping"
	EventMessageRead = "message:read"
	EventGetMessages = "messages:get"

	EventOlderMessages = "messages:older"
	EventUsersOnline   = "users:online"
	EventUserNew       = "user:new"
	EventUserLoggedIn  = "user:loggedIn"
	EventUserOffline   = "user:offline"
	EventError         = "error"
)

// Event is an outbound frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Envelope is an inbound frame whose payload is decoded once the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Data, v)
}

func ErrorEvent(reason string) Event {
	return Event{Type: EventError, Data: reason}
}

type JoinPayload struct {
	UserID      ID     `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type ChatMessagePayload struct {
	SenderID    ID             `json:"senderId"`
	RecipientID ID             `json:"recipientId"`
	Content     string         `json:"content"`
	FileURL     string         `json:"fileUrl,omitempty"`
	FileType    AttachmentKind `json:"fileType,omitempty"`
}

// ChatFilePayload carries an inline attachment. File is base64 on the wire.
type ChatFilePayload struct {
	SenderID    ID     `json:"senderId"`
	RecipientID ID     `json:"recipientId"`
	Content     string `json:"content,omitempty"`
	File        []byte `json:"file"`
	FileName    string `json:"fileName"`
	FileType    string `json:"fileType"`
}

type TypingPayload struct {
	SenderID    ID `json:"senderId"`
	RecipientID ID `json:"recipientId,omitempty"`
}

type ReadPayload struct {
	MessageID   ID `json:"messageId"`
	RecipientID ID `json:"recipientId,omitempty"`
}

type GetMessagesPayload struct {
	UserID          ID  `json:"userId"`
	RecipientID     ID  `json:"recipientId"`
	BeforeMessageID *ID `json:"beforeMessageId,omitempty"`
	Limit           int `json:"limit,omitempty"`
}

type UserOfflinePayload struct {
	UserID ID `json:"userId"`
}

// DirectoryEntry is a user listing enriched with live presence.
type DirectoryEntry struct {
	User
	Online bool `json:"online"`
}
