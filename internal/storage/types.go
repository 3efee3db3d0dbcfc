package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	Username     string `msgpack:"username"`
	Email        string `msgpack:"email"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBConversation struct {
	ID            string `msgpack:"id"`
	ParticipantA  string `msgpack:"participantA"`
	ParticipantB  string `msgpack:"participantB"`
	LastMessageID string `msgpack:"lastMessageId"`
	// Unix nanoseconds of the most recent message (creation time if none).
	LastMessageAt int64 `msgpack:"lastMessageAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string    `msgpack:"id"`
	ClientID       string    `msgpack:"clientId"`
	Seq            uint64    `msgpack:"seq"`
	ConversationID string    `msgpack:"conversationId"`
	SenderID       string    `msgpack:"senderId"`
	ReceiverID     string    `msgpack:"receiverId"`
	Body           string    `msgpack:"body"`
	Images         []DBImage `msgpack:"images"`
	CreatedAt      int64     `msgpack:"createdAt"`
}

type DBImage struct {
	URL      string `msgpack:"url"`
	Filename string `msgpack:"filename"`
}

// Messages are keyed by their per-conversation sequence number so a
// cursor scan returns them in arrival order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.Seq)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type FileMetadata struct {
	ID        string `msgpack:"id"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.ID)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

// PushSubscription mirrors the browser PushSubscription shape consumed
// by webpush-go.
type PushSubscription struct {
	Endpoint string `msgpack:"endpoint" json:"endpoint"`
	P256dh   string `msgpack:"p256dh" json:"p256dh"`
	Auth     string `msgpack:"auth" json:"auth"`
}

func (s *PushSubscription) MarshalBinary() (data []byte, err error) {
	type alias PushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *PushSubscription) UnmarshalBinary(data []byte) error {
	type alias PushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
