package main

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		questions:    "questions.csv",
		snapshot:     "gamestate.json",
		sessionGrace: time.Minute,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	cfg := testConfig()
	fs := afero.NewMemMapFs()

	store := newStore(fs, cfg.snapshot)
	require.NoError(t, store.bootstrap(cfg, testBank()))

	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.startGame()
	}))
	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.revealQuestion()
	}))
	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.revealAnswer(0, 1)
	}))
	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.assignRevealedPoints(1)
	}))
	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.updateTeamName(0, "Away Side")
	}))

	// A second store over the same fs restores every field, including the
	// nested answer reveal flags.
	restored := newStore(fs, cfg.snapshot)
	require.NoError(t, restored.bootstrap(cfg, testBank()))

	assert.Equal(t, store.current(), restored.current())
	assert.True(t, restored.current().Questions[0].Answers[1].Revealed)
	assert.Equal(t, [2]int{0, 25}, restored.current().TeamScores)
	assert.Equal(t, "Away Side", restored.current().TeamNames[0])
}

func TestStoreApplyStampsTime(t *testing.T) {
	cfg := testConfig()
	store := newStore(afero.NewMemMapFs(), cfg.snapshot)
	require.NoError(t, store.bootstrap(cfg, testBank()))

	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.startGame()
	}))
	first := store.current().LastUpdateTime
	assert.NotZero(t, first)

	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.revealQuestion()
	}))
	assert.Greater(t, store.current().LastUpdateTime, first)
}

func TestStoreApplyRejectionIsNoOp(t *testing.T) {
	cfg := testConfig()
	fs := afero.NewMemMapFs()
	store := newStore(fs, cfg.snapshot)
	require.NoError(t, store.bootstrap(cfg, testBank()))

	err := store.apply(cfg, func(g *GameState) *CommandError {
		return g.revealQuestion()
	})
	require.NotNil(t, err)
	assert.Equal(t, RejectPrecondition, err.Kind)
	assert.Zero(t, store.current().LastUpdateTime)

	// Nothing should have been written.
	exists, aferoErr := afero.Exists(fs, cfg.snapshot)
	require.NoError(t, aferoErr)
	assert.False(t, exists)
}

func TestStorePersistenceFailureKeepsMemory(t *testing.T) {
	cfg := testConfig()
	fs := afero.NewMemMapFs()
	store := newStore(fs, cfg.snapshot)
	require.NoError(t, store.bootstrap(cfg, testBank()))

	// Disk going away mid-game must not lose the live state.
	store.fs = afero.NewReadOnlyFs(fs)

	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.startGame()
	}))
	assert.True(t, store.current().GameStarted)
}

func TestStoreReset(t *testing.T) {
	cfg := testConfig()
	store := newStore(afero.NewMemMapFs(), cfg.snapshot)
	require.NoError(t, store.bootstrap(cfg, testBank()))

	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.startGame()
	}))
	require.Nil(t, store.apply(cfg, func(g *GameState) *CommandError {
		return g.revealQuestion()
	}))

	store.reset(cfg, testBank())

	state := store.current()
	assert.False(t, state.GameStarted)
	assert.Empty(t, state.RevealedQuestions)
	assert.Equal(t, [2]int{0, 0}, state.TeamScores)
	assert.NotZero(t, state.LastUpdateTime)
}

func TestMergeSnapshot(t *testing.T) {
	prev := newGameState(testBank())
	require.Nil(t, prev.startGame())
	require.Nil(t, prev.revealQuestion())
	require.Nil(t, prev.revealAnswer(0, 0))
	require.Nil(t, prev.revealAnswer(0, 1))
	require.Nil(t, prev.assignRevealedPoints(0))
	require.Nil(t, prev.changeQuestion(directionNext))
	require.Nil(t, prev.revealQuestion())
	prev.LastUpdateTime = 42

	t.Run("same bank keeps everything", func(t *testing.T) {
		merged := mergeSnapshot(prev, testBank())

		assert.True(t, merged.GameStarted)
		assert.Equal(t, 1, merged.CurrentQuestionIndex)
		assert.Equal(t, []int{0, 1}, merged.RevealedQuestions)
		assert.True(t, merged.Questions[0].Answers[0].Revealed)
		assert.True(t, merged.Questions[0].Answers[1].Revealed)
		assert.False(t, merged.Questions[0].Answers[2].Revealed)
		assert.Equal(t, [2]int{55, 0}, merged.TeamScores)
		assert.Equal(t, int64(42), merged.LastUpdateTime)
		assert.True(t, merged.QuestionRevealed)
	})

	t.Run("nil snapshot yields defaults", func(t *testing.T) {
		merged := mergeSnapshot(nil, testBank())

		assert.False(t, merged.GameStarted)
		assert.Empty(t, merged.RevealedQuestions)
	})

	t.Run("answers matched on text and points", func(t *testing.T) {
		bank := testBank()
		// Same answer text, different point value: treated as a new answer.
		bank[0].Answers[0].Points = 99

		merged := mergeSnapshot(prev, bank)

		assert.False(t, merged.Questions[0].Answers[0].Revealed)
		assert.True(t, merged.Questions[0].Answers[1].Revealed)
	})

	t.Run("reordered questions are remapped by text", func(t *testing.T) {
		bank := testBank()
		bank[0], bank[2] = bank[2], bank[0]

		merged := mergeSnapshot(prev, bank)

		assert.ElementsMatch(t, []int{2, 1}, merged.RevealedQuestions)
		assert.Equal(t, 1, merged.CurrentQuestionIndex)
		assert.True(t, merged.Questions[2].Answers[0].Revealed)
	})

	t.Run("removed questions are dropped", func(t *testing.T) {
		bank := testBank()[1:]

		merged := mergeSnapshot(prev, bank)

		assert.Equal(t, []int{0}, merged.RevealedQuestions)
		assert.Equal(t, 0, merged.CurrentQuestionIndex)
		assert.True(t, merged.QuestionRevealed)
	})

	t.Run("removed early-finish question reopens the game", func(t *testing.T) {
		suspended := mergeSnapshot(prev, testBank())
		require.Nil(t, suspended.finishEarly())

		full := testBank()
		bank := append(full[:1:1], full[2:]...)

		merged := mergeSnapshot(suspended, bank)

		// The suspension point is gone, so the ended flags are cleared
		// instead of leaving a state nothing but reset can escape.
		assert.Nil(t, merged.EarlyFinishQuestionIndex)
		assert.False(t, merged.GameEnded)
		assert.False(t, merged.FinishedEarly)
	})

	t.Run("early finish index is remapped", func(t *testing.T) {
		suspended := mergeSnapshot(prev, testBank())
		require.Nil(t, suspended.finishEarly())

		merged := mergeSnapshot(suspended, testBank())

		require.NotNil(t, merged.EarlyFinishQuestionIndex)
		assert.Equal(t, 1, *merged.EarlyFinishQuestionIndex)
		require.Nil(t, merged.resumeGame())
	})
}
