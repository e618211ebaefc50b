package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "admin:session:"

// Session is the scenario an admin conversation is currently editing.
// Each admin session owns its own entry; nothing is shared between them.
type Session struct {
	ID        string    `json:"id"`
	Target    Target    `json:"target"`
	Key       string    `json:"key"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ref addresses the session's document at the revision it last saw.
func (s Session) Ref() Ref {
	return Ref{Target: s.Target, Key: s.Key, Revision: s.Revision}
}

// SessionStore keeps admin sessions in Redis with a sliding TTL.
type SessionStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSessionStore creates a session store; ttl <= 0 means one hour.
func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	if client == nil {
		panic("scenario: redis client required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionStore{redis: client, ttl: ttl}
}

// Put stores or replaces a session.
func (s *SessionStore) Put(ctx context.Context, sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("scenario: session id required")
	}
	sess.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("scenario: encode session: %w", err)
	}
	if err := s.redis.Set(ctx, sessionKeyPrefix+sess.ID, body, s.ttl).Err(); err != nil {
		return persistenceErr("put session", err)
	}
	return nil
}

// Get loads a session and extends its TTL.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	body, err := s.redis.GetEx(ctx, sessionKeyPrefix+id, s.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("scenario: session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistenceErr("get session", err)
	}
	var sess Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("scenario: decode session: %w", err)
	}
	return &sess, nil
}

// Advance records the revision the session's last successful edit produced.
func (s *SessionStore) Advance(ctx context.Context, sess *Session, revision int64) error {
	sess.Revision = revision
	return s.Put(ctx, *sess)
}

// Delete ends a session.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return persistenceErr("delete session", err)
	}
	return nil
}
