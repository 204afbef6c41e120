package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/beast-health/consultd/pkg/models"
)

// DefaultKey is the collection key used when none is configured.
const DefaultKey = "consult-sessions"

// Store persists the full session collection under a single key.
// Load never fails: any unusable blob is replaced by a singleton default
// collection, trading strictness for availability.
type Store struct {
	backend Backend
	key     string
}

// New creates a Store over the given backend. An empty key selects
// DefaultKey.
func New(backend Backend, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{backend: backend, key: key}
}

// Load reads the persisted collection. The result always contains at
// least one usable session: a missing key, a corrupt blob, an empty list
// or a list with no record passing the shape check all fall back to a
// fresh single idle session.
func (s *Store) Load(ctx context.Context) []*models.Session {
	data, ok, err := s.backend.Get(ctx, s.key)
	if err != nil {
		log.Warn().Err(err).Str("key", s.key).Msg("Session load failed, starting fresh")
		return []*models.Session{NewSession()}
	}
	if !ok {
		return []*models.Session{NewSession()}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		log.Warn().Str("key", s.key).Msg("Persisted sessions unusable, starting fresh")
		return []*models.Session{NewSession()}
	}

	sessions := make([]*models.Session, 0, len(raw))
	for _, record := range raw {
		if !passesShapeCheck(record) {
			continue
		}
		var sess models.Session
		if err := json.Unmarshal(record, &sess); err != nil {
			continue
		}
		sess.Normalize()
		sessions = append(sessions, &sess)
	}

	if len(sessions) == 0 {
		log.Warn().Str("key", s.key).Msg("No valid session records, starting fresh")
		return []*models.Session{NewSession()}
	}
	return sessions
}

// Save serializes and writes back the whole collection. Called after every
// mutation; collections are small enough that write amplification is a
// non-issue.
func (s *Store) Save(ctx context.Context, sessions []*models.Session) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := s.backend.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("persist sessions: %w", err)
	}
	return nil
}

// passesShapeCheck requires id and title to be present as JSON strings.
// Everything else is optional; a record carrying only identity fields is
// an idle session.
func passesShapeCheck(record []byte) bool {
	var probe struct {
		ID    *string `json:"id"`
		Title *string `json:"title"`
	}
	if err := json.Unmarshal(record, &probe); err != nil {
		return false
	}
	return probe.ID != nil && probe.Title != nil
}

// NewSession allocates a fresh idle session. The id combines the creation
// timestamp with a random suffix; collisions are negligible for the
// lifetime of one local profile.
func NewSession(title ...string) *models.Session {
	label := ""
	if len(title) > 0 {
		label = title[0]
	}
	return models.NewSession(newSessionID(), label)
}

func newSessionID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}
