// Package consult is the chat orchestrator: it sequences assistant
// requests against the per-session state machine, owns the
// single-in-flight-per-session discipline, and commits every mutation to
// the session store.
package consult

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/beast-health/consultd/internal/assistant"
	"github.com/beast-health/consultd/internal/history"
	"github.com/beast-health/consultd/internal/store"
	"github.com/beast-health/consultd/pkg/models"
)

var (
	// ErrNoSession is returned when selecting a session id that does not
	// exist in the collection.
	ErrNoSession = errors.New("consult: no such session")

	// ErrBusy is returned when the active session already has a request
	// in flight. Rounds are never queued.
	ErrBusy = errors.New("consult: session busy")
)

// AssistantClient performs one consultation round against the backend.
type AssistantClient interface {
	Send(ctx context.Context, query string, turns []models.Turn, questionCount int) (*assistant.Reply, error)
}

// Manager holds the session collection and drives consultations on the
// active session. All mutations go through it; presentation layers only
// observe committed snapshots.
type Manager struct {
	store  *store.Store
	client AssistantClient

	mu       sync.Mutex
	sessions []*models.Session
	activeID string
	busy     map[string]bool

	// onChange receives a snapshot of every committed session mutation.
	// Called outside the lock.
	onChange func(*models.Session)
}

// NewManager loads the persisted collection and activates its first
// session. Load never fails, so neither does this.
func NewManager(ctx context.Context, st *store.Store, client AssistantClient) *Manager {
	sessions := st.Load(ctx)
	return &Manager{
		store:    st,
		client:   client,
		sessions: sessions,
		activeID: sessions[0].ID,
		busy:     make(map[string]bool),
	}
}

// SetOnChange registers the observer for committed session snapshots.
func (m *Manager) SetOnChange(fn func(*models.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Sessions returns snapshots of the full collection, newest first.
func (m *Manager) Sessions() []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Session, len(m.sessions))
	for i, sess := range m.sessions {
		out[i] = sess.Clone()
	}
	return out
}

// Active returns a snapshot of the active session.
func (m *Manager) Active() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked().Clone()
}

// ActiveID returns the active session id.
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// IsBusy reports whether the session has a request in flight.
func (m *Manager) IsBusy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy[id]
}

// NewSession creates a fresh idle session, prepends it to the collection
// and makes it active.
func (m *Manager) NewSession(ctx context.Context) *models.Session {
	m.mu.Lock()
	sess := store.NewSession()
	m.sessions = append([]*models.Session{sess}, m.sessions...)
	m.activeID = sess.ID
	snap := m.commitLocked(ctx, sess)
	m.mu.Unlock()

	m.emit(snap)
	return snap
}

// SelectSession changes which session subsequent operations address. It
// does not cancel an in-flight request on the session being left.
func (m *Manager) SelectSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byIDLocked(id) == nil {
		return ErrNoSession
	}
	m.activeID = id
	return nil
}

// Reset drives the active session back to idle. Synchronous, no network.
func (m *Manager) Reset(ctx context.Context) *models.Session {
	m.mu.Lock()
	sess := m.activeLocked()
	sess.Reset()
	snap := m.commitLocked(ctx, sess)
	m.mu.Unlock()

	m.emit(snap)
	return snap
}

// StartConsultation drives idle → questioning on the active session and
// performs the first round. Blank input is a no-op; a busy session is
// rejected with ErrBusy.
func (m *Manager) StartConsultation(ctx context.Context, symptomText string) error {
	symptom := strings.TrimSpace(symptomText)
	if symptom == "" {
		return nil
	}

	m.mu.Lock()
	sess := m.activeLocked()
	if m.busy[sess.ID] {
		m.mu.Unlock()
		return ErrBusy
	}
	if err := sess.BeginConsultation(symptom); err != nil {
		m.mu.Unlock()
		return err
	}
	m.busy[sess.ID] = true
	id := sess.ID
	payload := history.Payload(sess.History)
	snap := m.commitLocked(ctx, sess)
	m.mu.Unlock()

	m.emit(snap)

	reply, err := m.client.Send(ctx, symptom, payload, 0)
	m.conclude(ctx, id, reply, err)
	return nil
}

// SubmitAnswer records the user's answer locally, then performs the next
// round. The local append is committed before the request is issued, so
// the input is visible regardless of network latency. Blank input is a
// no-op; a busy session is rejected with ErrBusy.
func (m *Manager) SubmitAnswer(ctx context.Context, answerText string) error {
	answer := strings.TrimSpace(answerText)
	if answer == "" {
		return nil
	}

	m.mu.Lock()
	sess := m.activeLocked()
	if m.busy[sess.ID] {
		m.mu.Unlock()
		return ErrBusy
	}
	if err := sess.RecordAnswer(answer); err != nil {
		m.mu.Unlock()
		return err
	}
	m.busy[sess.ID] = true
	id := sess.ID
	payload := history.Payload(sess.History)
	questionCount := sess.QuestionCount
	snap := m.commitLocked(ctx, sess)
	m.mu.Unlock()

	m.emit(snap)

	reply, err := m.client.Send(ctx, answer, payload, questionCount)
	m.conclude(ctx, id, reply, err)
	return nil
}

// conclude applies the outcome of a round to the session the request was
// issued for, by captured identity. A failed round never changes stage; it
// only annotates the session and clears the busy flag. Replies arriving
// after a reset are dropped.
func (m *Manager) conclude(ctx context.Context, id string, reply *assistant.Reply, callErr error) {
	m.mu.Lock()
	delete(m.busy, id)

	sess := m.byIDLocked(id)
	if sess == nil {
		m.mu.Unlock()
		return
	}

	switch {
	case callErr != nil:
		if sess.Stage == models.StageIdle {
			// The consultation was reset while the request was in
			// flight; the failure belongs to an abandoned round.
			m.mu.Unlock()
			return
		}
		sess.Err = Normalize(callErr)

	case reply != nil && reply.Question != nil:
		if err := sess.ApplyQuestion(reply.Question.Question, reply.Question.Number); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("Dropping stale assistant question")
			m.mu.Unlock()
			return
		}

	case reply != nil && reply.Final != nil:
		if err := sess.ApplyDiagnosis(*reply.Final); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("Dropping stale assistant diagnosis")
			m.mu.Unlock()
			return
		}

	default:
		sess.Err = msgUnknown
	}

	snap := m.commitLocked(ctx, sess)
	m.mu.Unlock()

	m.emit(snap)
}

// commitLocked persists the collection and snapshots the mutated session.
// Persistence failures are logged, not fatal: the in-memory state remains
// authoritative for this process.
func (m *Manager) commitLocked(ctx context.Context, sess *models.Session) *models.Session {
	if err := m.store.Save(ctx, m.sessions); err != nil {
		log.Warn().Err(err).Msg("Session save failed")
	}
	return sess.Clone()
}

func (m *Manager) emit(snap *models.Session) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil && snap != nil {
		fn(snap)
	}
}

// activeLocked resolves the active session, falling back to the first
// session if the active id dangles.
func (m *Manager) activeLocked() *models.Session {
	if sess := m.byIDLocked(m.activeID); sess != nil {
		return sess
	}
	m.activeID = m.sessions[0].ID
	return m.sessions[0]
}

func (m *Manager) byIDLocked(id string) *models.Session {
	for _, sess := range m.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}
