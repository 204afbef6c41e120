package consult

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/beast-health/consultd/internal/assistant"
	"github.com/beast-health/consultd/internal/history"
	"github.com/beast-health/consultd/internal/store"
	"github.com/beast-health/consultd/pkg/models"
)

// fakeClient scripts assistant replies for orchestrator tests.
type fakeClient struct {
	mu    sync.Mutex
	send  func(ctx context.Context, query string, turns []models.Turn, questionCount int) (*assistant.Reply, error)
	calls []sentCall
}

type sentCall struct {
	Query         string
	Turns         []models.Turn
	QuestionCount int
}

func (f *fakeClient) Send(ctx context.Context, query string, turns []models.Turn, questionCount int) (*assistant.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sentCall{Query: query, Turns: turns, QuestionCount: questionCount})
	fn := f.send
	f.mu.Unlock()
	return fn(ctx, query, turns, questionCount)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func questionReply(q string, n int) *assistant.Reply {
	return &assistant.Reply{Question: &assistant.Question{Question: q, Number: n}}
}

func finalReply(d models.Diagnosis) *assistant.Reply {
	return &assistant.Reply{Final: &d}
}

// ManagerSuite runs orchestrator tests over an in-memory backend.
type ManagerSuite struct {
	suite.Suite
	backend *store.Memory
	client  *fakeClient
	manager *Manager
}

func (s *ManagerSuite) SetupTest() {
	s.backend = store.NewMemory()
	s.client = &fakeClient{
		send: func(context.Context, string, []models.Turn, int) (*assistant.Reply, error) {
			return questionReply("How long?", 1), nil
		},
	}
	s.manager = NewManager(context.Background(), store.New(s.backend, ""), s.client)
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) TestNewManagerLoadsDefaultCollection() {
	sessions := s.manager.Sessions()
	s.Require().Len(sessions, 1)
	s.Equal(sessions[0].ID, s.manager.ActiveID())
	s.Equal(models.StageIdle, sessions[0].Stage)
}

// TestConsultationScenario walks the full wizard: symptom, one clarifying
// round, final assessment.
func (s *ManagerSuite) TestConsultationScenario() {
	ctx := context.Background()

	s.Require().NoError(s.manager.StartConsultation(ctx, "I have a headache"))

	active := s.manager.Active()
	s.Equal(models.StageQuestioning, active.Stage)
	s.Equal(1, active.CurrentQuestionNumber)
	s.Equal("How long?", active.CurrentQuestion)
	s.Len(active.History, 2)

	s.client.send = func(context.Context, string, []models.Turn, int) (*assistant.Reply, error) {
		return finalReply(models.Diagnosis{
			Assessment: "Probable tension headache",
			Advice:     []string{"rest"},
			RedFlags:   []string{},
			Disclaimer: "Educational guidance only",
		}), nil
	}
	s.Require().NoError(s.manager.SubmitAnswer(ctx, "2 days"))

	active = s.manager.Active()
	s.Equal(models.StageFinal, active.Stage)
	s.Equal([]models.QA{{Question: "How long?", Answer: "2 days"}}, active.AnsweredQA)
	s.Require().NotNil(active.Diagnosis)
	s.Equal([]string{"rest"}, active.Diagnosis.Advice)
	s.False(s.manager.IsBusy(active.ID))

	// Wire shape of the answer round.
	s.Require().Len(s.client.calls, 2)
	answerCall := s.client.calls[1]
	s.Equal("2 days", answerCall.Query)
	s.Equal(1, answerCall.QuestionCount)
	s.Len(answerCall.Turns, 3) // symptom, question, answer
}

func (s *ManagerSuite) TestStartConsultation_BlankIsNoOp() {
	s.Require().NoError(s.manager.StartConsultation(context.Background(), "   \n\t"))
	s.Equal(models.StageIdle, s.manager.Active().Stage)
	s.Zero(s.client.callCount())
}

func (s *ManagerSuite) TestSubmitAnswer_BlankIsNoOp() {
	ctx := context.Background()
	s.Require().NoError(s.manager.StartConsultation(ctx, "headache"))

	s.Require().NoError(s.manager.SubmitAnswer(ctx, "  "))
	s.Equal(1, s.client.callCount())
	s.Empty(s.manager.Active().AnsweredQA)
}

func (s *ManagerSuite) TestSubmitAnswer_WithoutConsultation() {
	err := s.manager.SubmitAnswer(context.Background(), "2 days")
	s.ErrorIs(err, models.ErrNotQuestioning)
}

// TestTransportFailureIsResumable checks the failed-round policy: same
// stage, same pending question, optimistic append retained, busy cleared,
// error annotation set.
func (s *ManagerSuite) TestTransportFailureIsResumable() {
	ctx := context.Background()
	s.Require().NoError(s.manager.StartConsultation(ctx, "headache"))

	s.client.send = func(context.Context, string, []models.Turn, int) (*assistant.Reply, error) {
		return nil, &assistant.TransportError{Err: fmt.Errorf("connection refused")}
	}
	s.Require().NoError(s.manager.SubmitAnswer(ctx, "2 days"))

	active := s.manager.Active()
	s.Equal(models.StageQuestioning, active.Stage)
	s.Equal("How long?", active.CurrentQuestion)
	s.Equal("connection refused", active.Err)
	s.False(s.manager.IsBusy(active.ID))
	// The optimistic local append survives the failed call.
	s.Equal([]models.QA{{Question: "How long?", Answer: "2 days"}}, active.AnsweredQA)
	s.Equal(models.Turn{Role: models.RoleUser, Content: "2 days"}, active.History[len(active.History)-1])
	s.Equal(1, active.QuestionCount)

	// The user action is the retry... but the cap math must not double
	// count: the next submit answers the same pending question.
	s.client.send = func(context.Context, string, []models.Turn, int) (*assistant.Reply, error) {
		return questionReply("Any nausea?", 2), nil
	}
	s.Require().NoError(s.manager.SubmitAnswer(ctx, "still 2 days"))
	s.Equal(2, s.manager.Active().QuestionCount)
	s.Empty(s.manager.Active().Err)
}

func (s *ManagerSuite) TestBusySessionRejectsSecondCall() {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	s.client.send = func(context.Context, string, []models.Turn, int) (*assistant.Reply, error) {
		close(entered)
		<-release
		return questionReply("How long?", 1), nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.manager.StartConsultation(ctx, "headache")
	}()
	<-entered

	s.True(s.manager.IsBusy(s.manager.ActiveID()))
	// Anything issued while the start round is in flight is rejected
	// without touching the session or the wire.
	s.ErrorIs(s.manager.SubmitAnswer(ctx, "2 days"), ErrBusy)
	s.ErrorIs(s.manager.StartConsultation(ctx, "other complaint"), ErrBusy)
	s.Equal(1, s.client.callCount())

	close(release)
	<-done
	s.False(s.manager.IsBusy(s.manager.ActiveID()))
}

// TestLateReplyAppliesToOriginSession pins the captured-identity rule: a
// response must land on the session its request was issued for, even when
// the user has switched to a new session mid-flight.
func (s *ManagerSuite) TestLateReplyAppliesToOriginSession() {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	s.client.send = func(context.Context, string, []models.Turn, int) (*assistant.Reply, error) {
		close(entered)
		<-release
		return questionReply("How long?", 1), nil
	}

	origin := s.manager.ActiveID()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.manager.StartConsultation(ctx, "headache")
	}()
	<-entered

	// Switch away while the request is in flight.
	fresh := s.manager.NewSession(ctx)
	s.Equal(fresh.ID, s.manager.ActiveID())

	close(release)
	<-done

	sessions := s.manager.Sessions()
	byID := make(map[string]*models.Session, len(sessions))
	for _, sess := range sessions {
		byID[sess.ID] = sess
	}

	s.Equal(models.StageQuestioning, byID[origin].Stage)
	s.Equal("How long?", byID[origin].CurrentQuestion)
	// The newly active session is untouched by the late reply.
	s.Equal(models.StageIdle, byID[fresh.ID].Stage)
	s.Empty(byID[fresh.ID].History)
}

func (s *ManagerSuite) TestResetPreservesIdentity() {
	ctx := context.Background()
	s.Require().NoError(s.manager.StartConsultation(ctx, "headache"))

	before := s.manager.Active()
	snap := s.manager.Reset(ctx)

	s.Equal(models.StageIdle, snap.Stage)
	s.Nil(snap.Diagnosis)
	s.Empty(snap.CurrentQuestion)
	s.Empty(snap.History)
	s.Equal(before.ID, snap.ID)
	s.Equal(before.CreatedAt, snap.CreatedAt)
}

func (s *ManagerSuite) TestResetDropsInFlightFailure() {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	s.client.send = func(context.Context, string, []models.Turn, int) (*assistant.Reply, error) {
		close(entered)
		<-release
		return nil, &assistant.TransportError{Err: fmt.Errorf("timeout")}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.manager.StartConsultation(ctx, "headache")
	}()
	<-entered

	s.manager.Reset(ctx)
	close(release)
	<-done

	// The abandoned round's failure does not annotate the idle session.
	active := s.manager.Active()
	s.Equal(models.StageIdle, active.Stage)
	s.Empty(active.Err)
	s.False(s.manager.IsBusy(active.ID))
}

func (s *ManagerSuite) TestQuestionCap() {
	ctx := context.Background()
	round := 0
	s.client.send = func(_ context.Context, _ string, _ []models.Turn, _ int) (*assistant.Reply, error) {
		round++
		return questionReply(fmt.Sprintf("Question %d?", round), round), nil
	}

	s.Require().NoError(s.manager.StartConsultation(ctx, "headache"))
	for i := 0; i < models.MaxQuestions; i++ {
		s.Require().NoError(s.manager.SubmitAnswer(ctx, "answer"))
	}

	// The backend kept questioning past the cap; the client refuses to
	// submit another answer.
	err := s.manager.SubmitAnswer(ctx, "one more")
	s.ErrorIs(err, models.ErrQuestionCap)
	s.Equal(models.MaxQuestions, s.manager.Active().QuestionCount)
}

func (s *ManagerSuite) TestSelectSession() {
	fresh := s.manager.NewSession(context.Background())
	first := s.manager.Sessions()[1]

	s.Require().NoError(s.manager.SelectSession(first.ID))
	s.Equal(first.ID, s.manager.ActiveID())

	s.ErrorIs(s.manager.SelectSession("missing"), ErrNoSession)
	s.Equal(first.ID, s.manager.ActiveID())

	s.Require().NoError(s.manager.SelectSession(fresh.ID))
	s.Equal(fresh.ID, s.manager.ActiveID())
}

func (s *ManagerSuite) TestNewSessionPrepends() {
	fresh := s.manager.NewSession(context.Background())

	sessions := s.manager.Sessions()
	s.Require().Len(sessions, 2)
	s.Equal(fresh.ID, sessions[0].ID)
	s.Equal(fresh.ID, s.manager.ActiveID())
}

// TestWriteThroughPersistence verifies every mutation reaches the store:
// a second manager over the same backend sees the committed state.
func (s *ManagerSuite) TestWriteThroughPersistence() {
	ctx := context.Background()
	s.Require().NoError(s.manager.StartConsultation(ctx, "headache"))

	reloaded := NewManager(ctx, store.New(s.backend, ""), s.client)
	active := reloaded.Active()
	s.Equal(models.StageQuestioning, active.Stage)
	s.Equal("How long?", active.CurrentQuestion)
}

func (s *ManagerSuite) TestOnChangeObserver() {
	ctx := context.Background()
	var mu sync.Mutex
	var stages []models.Stage
	s.manager.SetOnChange(func(sess *models.Session) {
		mu.Lock()
		stages = append(stages, sess.Stage)
		mu.Unlock()
	})

	s.Require().NoError(s.manager.StartConsultation(ctx, "headache"))

	mu.Lock()
	defer mu.Unlock()
	// One snapshot for the optimistic commit, one for the reply.
	s.Equal([]models.Stage{models.StageQuestioning, models.StageQuestioning}, stages)
}

func (s *ManagerSuite) TestHistoryPayloadIsBounded() {
	ctx := context.Background()
	round := 0
	s.client.send = func(_ context.Context, _ string, turns []models.Turn, _ int) (*assistant.Reply, error) {
		round++
		require.LessOrEqual(s.T(), len(turns), history.MaxTurns)
		return questionReply("More?", round), nil
	}

	s.Require().NoError(s.manager.StartConsultation(ctx, "headache"))
	for i := 0; i < models.MaxQuestions; i++ {
		s.Require().NoError(s.manager.SubmitAnswer(ctx, "answer"))
	}

	// 1 + 2*MaxQuestions turns accumulated; the last call saw at most 8.
	last := s.client.calls[len(s.client.calls)-1]
	assert.Len(s.T(), last.Turns, history.MaxTurns)
}
