// Package models contains domain models for consultd.
package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// Stage is a session's position in the consultation wizard.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageQuestioning Stage = "questioning"
	StageFinal       Stage = "final"
)

// Turn roles as spoken on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MaxQuestions is the cap on clarifying rounds per consultation.
// The assistant backend is expected to return a final assessment by then;
// the client refuses to submit answers past the cap.
const MaxQuestions = 5

// titleClipLen bounds the session title derived from the chief complaint.
const titleClipLen = 48

var (
	ErrNotIdle        = errors.New("session: consultation already in progress")
	ErrNotQuestioning = errors.New("session: no consultation in progress")
	ErrNoQuestion     = errors.New("session: no pending question")
	ErrQuestionCap    = errors.New("session: clarifying question cap reached")
)

// Turn is one entry in a session's conversation log.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QA is one answered clarifying round.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Diagnosis is the structured final assessment returned by the assistant.
type Diagnosis struct {
	Assessment string   `json:"assessment"`
	Advice     []string `json:"advice"`
	RedFlags   []string `json:"red_flags"`
	Disclaimer string   `json:"disclaimer"`
}

// Session is one independent consultation thread. It is the unit of
// persistence and carries the wizard state machine as methods.
//
// Invariants held by the transition methods:
//   - Diagnosis != nil ⇔ Stage == final
//   - CurrentQuestion != "" ⇔ Stage == questioning with a pending question
//   - len(AnsweredQA) == QuestionCount ≤ MaxQuestions
//   - Reset preserves ID and CreatedAt.
type Session struct {
	ID                    string     `json:"id"`
	Title                 string     `json:"title"`
	CreatedAt             int64      `json:"createdAt"` // unix millis
	Stage                 Stage      `json:"stage"`
	Symptom               string     `json:"symptom,omitempty"`
	History               []Turn     `json:"history"`
	QuestionCount         int        `json:"questionCount"`
	CurrentQuestion       string     `json:"currentQuestion,omitempty"`
	CurrentQuestionNumber int        `json:"currentQuestionNumber,omitempty"`
	AnsweredQA            []QA       `json:"answeredQA"`
	Diagnosis             *Diagnosis `json:"diagnosis,omitempty"`

	// Err is the transient, user-facing message of the last failed round.
	// A failed round never changes Stage; the next successful transition
	// clears it.
	Err string `json:"error,omitempty"`

	// extra holds fields written by newer versions of the schema so they
	// survive a load/save cycle untouched.
	extra map[string]json.RawMessage
}

// sessionAlias avoids Marshal/Unmarshal recursion.
type sessionAlias Session

// knownSessionFields are the keys owned by this version of the schema.
var knownSessionFields = map[string]struct{}{
	"id": {}, "title": {}, "createdAt": {}, "stage": {}, "symptom": {},
	"history": {}, "questionCount": {}, "currentQuestion": {},
	"currentQuestionNumber": {}, "answeredQA": {}, "diagnosis": {},
	"error": {},
}

// UnmarshalJSON decodes a session record, stashing unknown fields aside.
func (s *Session) UnmarshalJSON(data []byte) error {
	var alias sessionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := knownSessionFields[k]; known {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		alias.extra = raw
	}

	*s = Session(alias)
	return nil
}

// MarshalJSON re-emits the session including any preserved unknown fields.
// The collection fields serialize as empty arrays, never null, so readers
// of the wire and of the persisted blob see `history: []` on a session
// that has none.
func (s Session) MarshalJSON() ([]byte, error) {
	if s.History == nil {
		s.History = []Turn{}
	}
	if s.AnsweredQA == nil {
		s.AnsweredQA = []QA{}
	}
	data, err := json.Marshal(sessionAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if _, known := knownSessionFields[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Normalize fills defaults for records persisted without consultation
// fields: a session with no recorded stage is an idle session.
func (s *Session) Normalize() {
	if s.Stage == "" {
		s.Stage = StageIdle
	}
}

// BeginConsultation drives idle → questioning from a chief complaint.
// The caller is responsible for rejecting blank input before getting here.
func (s *Session) BeginConsultation(symptom string) error {
	if s.Stage != StageIdle {
		return ErrNotIdle
	}

	s.Stage = StageQuestioning
	s.Symptom = symptom
	s.History = []Turn{{Role: RoleUser, Content: symptom}}
	s.QuestionCount = 0
	s.CurrentQuestion = ""
	s.CurrentQuestionNumber = 0
	s.AnsweredQA = nil
	s.Diagnosis = nil
	s.Err = ""
	s.Title = clipTitle(symptom)
	return nil
}

// ApplyQuestion commits a clarifying question from the assistant
// (questioning → questioning).
func (s *Session) ApplyQuestion(question string, number int) error {
	if s.Stage != StageQuestioning {
		return ErrNotQuestioning
	}

	s.History = append(s.History, Turn{Role: RoleAssistant, Content: question})
	s.CurrentQuestion = question
	s.CurrentQuestionNumber = number
	s.Err = ""
	return nil
}

// RecordAnswer applies the local half of an answer round: the QA pair,
// the history turn and the round counter. This happens before any network
// traffic so the user's input is visible immediately.
func (s *Session) RecordAnswer(answer string) error {
	if s.Stage != StageQuestioning {
		return ErrNotQuestioning
	}
	if s.CurrentQuestion == "" {
		return ErrNoQuestion
	}
	if s.QuestionCount >= MaxQuestions {
		return ErrQuestionCap
	}

	s.AnsweredQA = append(s.AnsweredQA, QA{Question: s.CurrentQuestion, Answer: answer})
	s.History = append(s.History, Turn{Role: RoleUser, Content: answer})
	s.QuestionCount++
	return nil
}

// ApplyDiagnosis commits the final assessment (questioning → final).
func (s *Session) ApplyDiagnosis(d Diagnosis) error {
	if s.Stage != StageQuestioning {
		return ErrNotQuestioning
	}

	s.Diagnosis = &d
	s.Stage = StageFinal
	s.CurrentQuestion = ""
	s.CurrentQuestionNumber = 0
	s.Err = ""
	return nil
}

// Reset drives any stage back to idle, clearing every consultation field
// while keeping the session's identity (ID, CreatedAt) and label.
func (s *Session) Reset() {
	s.Stage = StageIdle
	s.Symptom = ""
	s.History = nil
	s.QuestionCount = 0
	s.CurrentQuestion = ""
	s.CurrentQuestionNumber = 0
	s.AnsweredQA = nil
	s.Diagnosis = nil
	s.Err = ""
}

// Clone returns a deep copy safe to hand to readers while the original
// keeps mutating under the orchestrator's lock.
func (s *Session) Clone() *Session {
	out := *s
	out.History = append([]Turn(nil), s.History...)
	out.AnsweredQA = append([]QA(nil), s.AnsweredQA...)
	if s.Diagnosis != nil {
		d := *s.Diagnosis
		d.Advice = append([]string(nil), s.Diagnosis.Advice...)
		d.RedFlags = append([]string(nil), s.Diagnosis.RedFlags...)
		out.Diagnosis = &d
	}
	if len(s.extra) > 0 {
		out.extra = make(map[string]json.RawMessage, len(s.extra))
		for k, v := range s.extra {
			out.extra[k] = v
		}
	}
	return &out
}

// clipTitle derives the session label from the chief complaint. The clip
// counts characters so multi-byte complaints keep their final character
// intact.
func clipTitle(symptom string) string {
	title := strings.Join(strings.Fields(symptom), " ")
	if utf8.RuneCountInString(title) > titleClipLen {
		runes := []rune(title)
		title = string(runes[:titleClipLen]) + "..."
	}
	return title
}

// NewSession creates a fresh idle session with the given id.
func NewSession(id, title string) *Session {
	if title == "" {
		title = "New consultation"
	}
	return &Session{
		ID:        id,
		Title:     title,
		CreatedAt: time.Now().UnixMilli(),
		Stage:     StageIdle,
	}
}
