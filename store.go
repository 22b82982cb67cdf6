package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// PersistenceError wraps snapshot read/write failures. Losing durability is
// preferable to losing the live game, so callers log it and carry on.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store owns the one GameState and its on-disk snapshot. The hub's run loop
// is the only writer; the mutex just keeps the reaper and tests honest.
type Store struct {
	fs   afero.Fs
	path string

	mu    sync.Mutex
	state *GameState
}

func newStore(fs afero.Fs, path string) *Store {
	return &Store{
		fs:    fs,
		path:  path,
		state: newGameState(nil),
	}
}

// bootstrap installs a freshly loaded question bank, merging in reveal and
// score state from a prior snapshot if one exists on disk.
func (s *Store) bootstrap(cfg *Config, bank []Question) error {
	prev, err := s.loadSnapshot()
	switch {
	case errors.Is(err, os.ErrNotExist):
		logf(cfg, "STATE: No snapshot at %s, starting fresh", s.path)
	case err != nil:
		return err
	default:
		logf(cfg, "STATE: Restored snapshot from %s", s.path)
	}

	s.mu.Lock()
	s.state = mergeSnapshot(prev, bank)
	s.mu.Unlock()

	return nil
}

// current returns the live state without copying. Run-loop reads only;
// anything handed to a writer goroutine goes through snapshot instead.
func (s *Store) current() *GameState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// snapshot returns a deep copy, safe to serialize in a per-client goroutine
// while the run loop applies the next mutation to the live state.
func (s *Store) snapshot() *GameState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.clone()
}

// apply runs one transition. If the mutator rejects, nothing changed and the
// rejection is returned. If it accepts, lastUpdateTime is bumped and the
// snapshot is rewritten; a persistence failure is logged but never rolls
// back the in-memory state.
func (s *Store) apply(cfg *Config, mutate func(*GameState) *CommandError) *CommandError {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := mutate(s.state); err != nil {
		return err
	}

	s.stampLocked()

	if err := s.persistLocked(); err != nil {
		logf(cfg, "STATE: %v", err)
	}

	return nil
}

// reset replaces the entire state with defaults plus the given bank.
func (s *Store) reset(cfg *Config, bank []Question) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = newGameState(bank)
	s.stampLocked()

	if err := s.persistLocked(); err != nil {
		logf(cfg, "STATE: %v", err)
	}
}

// stampLocked keeps lastUpdateTime strictly increasing so reconnect cursors
// never miss an update that landed within the same millisecond.
func (s *Store) stampLocked() {
	now := time.Now().UnixMilli()
	if now <= s.state.LastUpdateTime {
		now = s.state.LastUpdateTime + 1
	}
	s.state.LastUpdateTime = now
}

func (s *Store) loadSnapshot() (*GameState, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, &PersistenceError{Path: s.path, Err: err}
	}

	var state GameState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &PersistenceError{Path: s.path, Err: err}
	}

	return &state, nil
}

// persistLocked writes the full snapshot replace-on-write: temp file in the
// same directory, then rename over the old one.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return &PersistenceError{Path: tmp, Err: err}
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}

	return nil
}

// mergeSnapshot folds a prior snapshot into a freshly parsed bank. Questions
// are matched by text and answers by (text, points); anything unmatched in
// the new bank starts unrevealed, and anything removed is dropped silently.
func mergeSnapshot(prev *GameState, bank []Question) *GameState {
	merged := newGameState(bank)
	if prev == nil {
		return merged
	}

	prevByText := make(map[string]*Question, len(prev.Questions))
	for i := range prev.Questions {
		prevByText[prev.Questions[i].Text] = &prev.Questions[i]
	}

	indexByText := make(map[string]int, len(merged.Questions))
	for i := range merged.Questions {
		indexByText[merged.Questions[i].Text] = i

		old, ok := prevByText[merged.Questions[i].Text]
		if !ok {
			continue
		}
		for ai := range merged.Questions[i].Answers {
			answer := &merged.Questions[i].Answers[ai]
			for _, oldAnswer := range old.Answers {
				if oldAnswer.Text == answer.Text && oldAnswer.Points == answer.Points {
					answer.Revealed = oldAnswer.Revealed
					break
				}
			}
		}
	}

	merged.TeamScores = prev.TeamScores
	merged.TeamNames = prev.TeamNames
	merged.WrongAnswers = prev.WrongAnswers
	merged.AssignedPoints = prev.AssignedPoints
	merged.GameStarted = prev.GameStarted
	merged.GameEnded = prev.GameEnded
	merged.FinishedEarly = prev.FinishedEarly
	merged.LastUpdateTime = prev.LastUpdateTime

	// Question indices are remapped through question text, since a changed
	// bank may reorder questions.
	remap := func(oldIndex int) (int, bool) {
		if oldIndex < 0 || oldIndex >= len(prev.Questions) {
			return 0, false
		}
		newIndex, ok := indexByText[prev.Questions[oldIndex].Text]
		return newIndex, ok
	}

	for _, oldIndex := range prev.RevealedQuestions {
		if newIndex, ok := remap(oldIndex); ok {
			merged.RevealedQuestions = append(merged.RevealedQuestions, newIndex)
		}
	}

	if newIndex, ok := remap(prev.CurrentQuestionIndex); ok {
		merged.CurrentQuestionIndex = newIndex
	} else if prev.CurrentQuestionIndex < len(merged.Questions) && prev.CurrentQuestionIndex >= 0 {
		merged.CurrentQuestionIndex = prev.CurrentQuestionIndex
	}

	if prev.EarlyFinishQuestionIndex != nil {
		if newIndex, ok := remap(*prev.EarlyFinishQuestionIndex); ok {
			merged.EarlyFinishQuestionIndex = &newIndex
		} else {
			// The suspension point no longer exists; reopen the game rather
			// than leaving it ended with no question to resume on.
			merged.GameEnded = false
			merged.FinishedEarly = false
		}
	}

	merged.QuestionRevealed = merged.questionWasRevealed(merged.CurrentQuestionIndex)

	return merged
}
