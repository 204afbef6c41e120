package store

import (
	"context"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beast-health/consultd/pkg/models"
)

func seededStore(t *testing.T, blob string) *Store {
	t.Helper()

	backend := NewMemory()
	if blob != "" {
		require.NoError(t, backend.Put(context.Background(), DefaultKey, []byte(blob)))
	}
	return New(backend, "")
}

// TestLoad_Fallbacks drives every recovery path: each unusable input must
// yield exactly one default idle session.
func TestLoad_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"missing key", ""},
		{"corrupt json", `{not valid`},
		{"not a list", `{"id": "x", "title": "y"}`},
		{"empty list", `[]`},
		{"no record passes shape check", `[{"id": 42}, {"title": "only"}, {"other": true}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := seededStore(t, tt.blob).Load(context.Background())

			require.Len(t, sessions, 1)
			assert.Equal(t, models.StageIdle, sessions[0].Stage)
			assert.NotEmpty(t, sessions[0].ID)
			assert.Equal(t, "New consultation", sessions[0].Title)
			assert.NotZero(t, sessions[0].CreatedAt)
		})
	}
}

func TestLoad_FiltersInvalidKeepsValid(t *testing.T) {
	blob := `[
		{"id": 42, "title": "bad id type"},
		{"id": "good", "title": "kept"},
		{"title": "missing id"}
	]`

	sessions := seededStore(t, blob).Load(context.Background())

	require.Len(t, sessions, 1)
	assert.Equal(t, "good", sessions[0].ID)
	assert.Equal(t, models.StageIdle, sessions[0].Stage)
}

// TestLoad_MinimalRecordIsIdle checks that a record with only identity
// fields loads as an idle session via the model defaults.
func TestLoad_MinimalRecordIsIdle(t *testing.T) {
	sessions := seededStore(t, `[{"id": "a", "title": "old record"}]`).Load(context.Background())

	require.Len(t, sessions, 1)
	assert.Equal(t, models.StageIdle, sessions[0].Stage)
	assert.Zero(t, sessions[0].QuestionCount)
	assert.Empty(t, sessions[0].History)
}

// TestSaveLoad_RoundTrip verifies domain-field fidelity across a full
// persist/reload cycle, including records mid-consultation.
func TestSaveLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemory(), "")

	active := NewSession()
	require.NoError(t, active.BeginConsultation("I have a headache"))
	require.NoError(t, active.ApplyQuestion("How long?", 1))
	require.NoError(t, active.RecordAnswer("2 days"))

	done := NewSession()
	require.NoError(t, done.BeginConsultation("sore throat"))
	require.NoError(t, done.ApplyDiagnosis(models.Diagnosis{
		Assessment: "Probable viral pharyngitis",
		Advice:     []string{"rest"},
		RedFlags:   []string{"high fever"},
		Disclaimer: "Educational guidance only",
	}))

	require.NoError(t, st.Save(ctx, []*models.Session{active, done}))
	loaded := st.Load(ctx)

	require.Len(t, loaded, 2)
	assert.Equal(t, active.ID, loaded[0].ID)
	assert.Equal(t, active.CreatedAt, loaded[0].CreatedAt)
	assert.Equal(t, models.StageQuestioning, loaded[0].Stage)
	assert.Equal(t, active.History, loaded[0].History)
	assert.Equal(t, active.AnsweredQA, loaded[0].AnsweredQA)
	assert.Equal(t, 1, loaded[0].QuestionCount)
	assert.Equal(t, "How long?", loaded[0].CurrentQuestion)

	assert.Equal(t, models.StageFinal, loaded[1].Stage)
	require.NotNil(t, loaded[1].Diagnosis)
	assert.Equal(t, *done.Diagnosis, *loaded[1].Diagnosis)
}

// TestSaveLoad_PreservesUnknownFields checks the forward-compatible
// schema: extra fields written by a newer version survive the cycle.
func TestSaveLoad_PreservesUnknownFields(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	st := New(backend, "")

	blob := `[{"id": "a", "title": "t", "starred": true}]`
	require.NoError(t, backend.Put(ctx, DefaultKey, []byte(blob)))

	loaded := st.Load(ctx)
	require.Len(t, loaded, 1)
	require.NoError(t, st.Save(ctx, loaded))

	data, ok, err := backend.Get(ctx, DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)

	var raw []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
	assert.JSONEq(t, `true`, string(raw[0]["starred"]))
}

func TestNewSession(t *testing.T) {
	a := NewSession()
	b := NewSession("migraine follow-up")

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "New consultation", a.Title)
	assert.Equal(t, "migraine follow-up", b.Title)
	assert.Equal(t, models.StageIdle, a.Stage)
	assert.Regexp(t, `^\d+-[0-9a-f]{6}$`, a.ID)
}

func TestCustomKey(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	st := New(backend, "other-key")

	require.NoError(t, st.Save(ctx, []*models.Session{NewSession()}))

	_, ok, err := backend.Get(ctx, "other-key")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = backend.Get(ctx, DefaultKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
