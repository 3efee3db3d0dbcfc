package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUsernames     = []byte("usernames")
	bucketConversations = []byte("conversations")
	bucketConvPairs     = []byte("conversation_pairs")
	bucketMessages      = []byte("messages")
	bucketFiles         = []byte("files")
	bucketPushSubs      = []byte("push_subscriptions")
)

var (
	ErrUserExists = errors.New("user already exists")
)

type BboltStorage struct {
	db *bbolt.DB

	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketUsers,
			bucketUsernames,
			bucketConversations,
			bucketConvPairs,
			bucketMessages,
			bucketFiles,
			bucketPushSubs,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateUser stores a new user. The username index enforces uniqueness.
func (s *BboltStorage) CreateUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		nameKey := []byte(strings.ToLower(user.Username))
		if names.Get(nameKey) != nil {
			return ErrUserExists
		}

		dbUser := &DBUser{
			ID:           user.ID,
			Username:     user.Username,
			Email:        user.Email,
			PasswordHash: passwordHash,
			CreatedAt:    s.now().Unix(),
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return err
		}
		return names.Put(nameKey, []byte(user.ID))
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, id)
		if err != nil {
			return err
		}
		user = models.User{ID: dbUser.ID, Username: dbUser.Username, Email: dbUser.Email}
		return nil
	})
	return user, err
}

// GetUserByUsername returns the user and their password hash for login.
func (s *BboltStorage) GetUserByUsername(username string) (models.User, string, error) {
	var (
		user models.User
		hash string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(strings.ToLower(username)))
		if id == nil {
			return models.ErrNotFound
		}
		dbUser, err := getUser(tx, string(id))
		if err != nil {
			return err
		}
		user = models.User{ID: dbUser.ID, Username: dbUser.Username, Email: dbUser.Email}
		hash = dbUser.PasswordHash
		return nil
	})
	return user, hash, err
}

// SearchUsers returns users whose username contains the query,
// case-insensitive, sorted by username.
func (s *BboltStorage) SearchUsers(query string) ([]models.User, error) {
	query = strings.ToLower(query)
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if strings.Contains(strings.ToLower(dbUser.Username), query) {
				users = append(users, models.User{
					ID:       dbUser.ID,
					Username: dbUser.Username,
					Email:    dbUser.Email,
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// pairKey is the unordered participant pair key: the two ids sorted.
func pairKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte(a + "|" + b)
}

// FindOrCreateConversation returns the conversation for the unordered
// pair (a, b), creating it if missing. bbolt serializes update
// transactions, so concurrent calls for the same pair converge on the
// conversation created by whichever transaction ran first.
func (s *BboltStorage) FindOrCreateConversation(a, b string) (models.Conversation, error) {
	if a == "" || b == "" {
		return models.Conversation{}, errors.New("missing participant id")
	}
	if a == b {
		return models.Conversation{}, errors.New("conversation requires two distinct participants")
	}

	var conv models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketConvPairs)
		key := pairKey(a, b)

		if id := pairs.Get(key); id != nil {
			var err error
			conv, err = readConversation(tx, string(id))
			return err
		}

		// Creation requires both participants to exist.
		if _, err := getUser(tx, a); err != nil {
			return err
		}
		if _, err := getUser(tx, b); err != nil {
			return err
		}

		dbConv := &DBConversation{
			ID:            uuid.NewString(),
			ParticipantA:  a,
			ParticipantB:  b,
			LastMessageAt: s.now().UnixNano(),
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketConversations).Put(dbConv.Key(), data); err != nil {
			return err
		}
		if err := pairs.Put(key, []byte(dbConv.ID)); err != nil {
			return err
		}

		conv, err = readConversation(tx, dbConv.ID)
		return err
	})
	return conv, err
}

func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		conv, err = readConversation(tx, id)
		return err
	})
	return conv, err
}

// ListConversations returns all conversations the user participates in,
// sorted by last activity descending, with last messages populated.
func (s *BboltStorage) ListConversations(userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbConv.ParticipantA != userID && dbConv.ParticipantB != userID {
				return nil
			}
			conv, err := readConversation(tx, dbConv.ID)
			if err != nil {
				return err
			}
			convs = append(convs, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	return convs, nil
}

// CreateMessage persists a message and updates the conversation's
// last-message pointer in the same transaction. Either both are visible
// afterwards or neither.
func (s *BboltStorage) CreateMessage(conversationID, senderID, receiverID, body, clientID string, images []models.Image) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convs := tx.Bucket(bucketConversations)
		convData := convs.Get([]byte(conversationID))
		if convData == nil {
			return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(convData); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}

		msgBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		seq, err := msgBucket.NextSequence()
		if err != nil {
			return err
		}

		// Clamp to the conversation's latest activity so createdAt is
		// non-decreasing within a conversation even if the wall clock
		// steps backwards.
		createdAt := s.now().UnixNano()
		if createdAt < dbConv.LastMessageAt {
			createdAt = dbConv.LastMessageAt
		}

		dbMsg := DBMessage{
			ID:             uuid.NewString(),
			ClientID:       clientID,
			Seq:            seq,
			ConversationID: conversationID,
			SenderID:       senderID,
			ReceiverID:     receiverID,
			Body:           body,
			CreatedAt:      createdAt,
		}
		for _, img := range images {
			dbMsg.Images = append(dbMsg.Images, DBImage{URL: img.URL, Filename: img.Filename})
		}

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := msgBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		dbConv.LastMessageID = dbMsg.ID
		dbConv.LastMessageAt = createdAt
		convData, err = dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convs.Put(dbConv.Key(), convData); err != nil {
			return err
		}

		msg, err = toMessage(tx, dbMsg)
		return err
	})
	return msg, err
}

// ListMessages returns all messages of a conversation sorted ascending
// by creation time (sequence order breaks timestamp ties).
func (s *BboltStorage) ListMessages(conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conversationID)) == nil {
			return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		msgBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if msgBucket == nil {
			return nil // no messages yet
		}
		return msgBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			msg, err := toMessage(tx, dbMsg)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
			return nil
		})
	})
	return messages, err
}

// DeleteConversation removes the conversation, its pair index entry and
// all of its messages.
func (s *BboltStorage) DeleteConversation(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		convs := tx.Bucket(bucketConversations)
		data := convs.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(data); err != nil {
			return err
		}

		if err := tx.Bucket(bucketConvPairs).Delete(pairKey(dbConv.ParticipantA, dbConv.ParticipantB)); err != nil {
			return err
		}
		msgs := tx.Bucket(bucketMessages)
		if msgs.Bucket([]byte(id)) != nil {
			if err := msgs.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return convs.Delete([]byte(id))
	})
}

func (s *BboltStorage) UpsertFileMetadata(meta FileMetadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return tx.Bucket(bucketFiles).Put(meta.Key(), data)
	})
}

func (s *BboltStorage) GetFileMetadata(id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file %s: %w", id, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}

// UpsertPushSubscription stores a push subscription keyed by endpoint
// under the user's bucket. Re-subscribing with the same endpoint
// overwrites, it does not duplicate.
func (s *BboltStorage) UpsertPushSubscription(userID string, sub PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPushSubs).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return err
		}
		data, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put([]byte(sub.Endpoint), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]PushSubscription, error) {
	var subs []PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var sub PushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}

func getUser(tx *bbolt.Tx, id string) (DBUser, error) {
	var dbUser DBUser
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return dbUser, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return dbUser, err
	}
	return dbUser, nil
}

func userRef(tx *bbolt.Tx, id string) models.UserRef {
	dbUser, err := getUser(tx, id)
	if err != nil {
		// Participant may have been deleted; keep the id addressable.
		return models.UserRef{ID: id, Username: "Unknown"}
	}
	return models.UserRef{ID: dbUser.ID, Username: dbUser.Username}
}

func readConversation(tx *bbolt.Tx, id string) (models.Conversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return models.Conversation{}, err
	}

	conv := models.Conversation{
		ID: dbConv.ID,
		Participants: []models.UserRef{
			userRef(tx, dbConv.ParticipantA),
			userRef(tx, dbConv.ParticipantB),
		},
		LastMessageAt: time.Unix(0, dbConv.LastMessageAt),
	}

	// The newest message sits at the end of the sequence-keyed bucket.
	if msgBucket := tx.Bucket(bucketMessages).Bucket([]byte(id)); msgBucket != nil {
		if _, v := msgBucket.Cursor().Last(); v != nil {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return models.Conversation{}, err
			}
			msg, err := toMessage(tx, dbMsg)
			if err != nil {
				return models.Conversation{}, err
			}
			conv.LastMessage = &msg
		}
	}

	return conv, nil
}

func toMessage(tx *bbolt.Tx, dbMsg DBMessage) (models.Message, error) {
	msg := models.Message{
		ID:             dbMsg.ID,
		ClientID:       dbMsg.ClientID,
		ConversationID: dbMsg.ConversationID,
		Sender:         userRef(tx, dbMsg.SenderID),
		Receiver:       userRef(tx, dbMsg.ReceiverID),
		Body:           dbMsg.Body,
		CreatedAt:      time.Unix(0, dbMsg.CreatedAt),
	}
	for _, img := range dbMsg.Images {
		msg.Images = append(msg.Images, models.Image{URL: img.URL, Filename: img.Filename})
	}
	return msg, nil
}
