// Feudboard game core
//
// One authoritative GameState drives both the host console and the audience
// board. The host mutates it through a fixed set of commands; every command
// validates fully against the current state before touching anything, so a
// rejected command is a strict no-op. Accepted commands are applied by the
// store (which stamps lastUpdateTime and snapshots to disk) and then pushed
// to every connected viewer.
//
// Rules of the board:
// - Two teams, shared strike counter, at most 3 strikes per question
// - Questions and answers are revealed one-way; navigating back never
//   un-reveals anything
// - Each team can claim the revealed-point total of a question once; both
//   teams claiming the same question is allowed (results entry, not zero-sum)
// - The game can be finished early and later resumed at the question it
//   was suspended on

package main

import (
	"fmt"
)

const (
	strikeLimit = 3

	directionNext = "next"
	directionPrev = "prev"

	defaultTeamOneName = "Team 1"
	defaultTeamTwoName = "Team 2"
)

// Answer reveal flags only ever go false -> true.
type Answer struct {
	Text     string `json:"answer"`
	Points   int    `json:"points"`
	Revealed bool   `json:"revealed"`
}

type Question struct {
	Text    string   `json:"question"`
	Answers []Answer `json:"answers"`
}

// GameState is the single authoritative state object. Exactly one exists
// per process, owned by the Store; viewers only ever see complete snapshots.
type GameState struct {
	CurrentQuestionIndex     int        `json:"currentQuestionIndex"`
	Questions                []Question `json:"questions"`
	TeamScores               [2]int     `json:"teamScores"`
	TeamNames                [2]string  `json:"teamNames"`
	WrongAnswers             int        `json:"wrongAnswers"`
	AssignedPoints           [2]bool    `json:"assignedPoints"`
	GameStarted              bool       `json:"gameStarted"`
	QuestionRevealed         bool       `json:"questionRevealed"`
	RevealedQuestions        []int      `json:"revealedQuestions"`
	GameEnded                bool       `json:"gameEnded"`
	FinishedEarly            bool       `json:"finishedEarly"`
	EarlyFinishQuestionIndex *int       `json:"earlyFinishQuestionIndex"`
	LastUpdateTime           int64      `json:"lastUpdateTime"`
}

type RejectKind string

const (
	RejectValidation   RejectKind = "validation"
	RejectPrecondition RejectKind = "precondition"
)

// CommandError is the structured rejection reported back to the issuing
// session. It is never broadcast.
type CommandError struct {
	Kind   RejectKind `json:"kind"`
	Reason string     `json:"reason"`
}

func (e *CommandError) Error() string {
	return string(e.Kind) + ": " + e.Reason
}

func rejectValidation(format string, args ...any) *CommandError {
	return &CommandError{Kind: RejectValidation, Reason: fmt.Sprintf(format, args...)}
}

func rejectPrecondition(format string, args ...any) *CommandError {
	return &CommandError{Kind: RejectPrecondition, Reason: fmt.Sprintf(format, args...)}
}

func newGameState(questions []Question) *GameState {
	return &GameState{
		Questions:         questions,
		TeamNames:         [2]string{defaultTeamOneName, defaultTeamTwoName},
		RevealedQuestions: []int{},
	}
}

// clone returns a deep copy, including the nested answer slices, so the
// copy can outlive the next mutation of the original.
func (g *GameState) clone() *GameState {
	clone := *g

	clone.Questions = make([]Question, len(g.Questions))
	copy(clone.Questions, g.Questions)
	for i := range clone.Questions {
		answers := make([]Answer, len(g.Questions[i].Answers))
		copy(answers, g.Questions[i].Answers)
		clone.Questions[i].Answers = answers
	}

	clone.RevealedQuestions = append([]int(nil), g.RevealedQuestions...)

	if g.EarlyFinishQuestionIndex != nil {
		index := *g.EarlyFinishQuestionIndex
		clone.EarlyFinishQuestionIndex = &index
	}

	return &clone
}

func (g *GameState) currentQuestion() *Question {
	if g.CurrentQuestionIndex < 0 || g.CurrentQuestionIndex >= len(g.Questions) {
		return nil
	}
	return &g.Questions[g.CurrentQuestionIndex]
}

func (g *GameState) questionWasRevealed(index int) bool {
	for _, i := range g.RevealedQuestions {
		if i == index {
			return true
		}
	}
	return false
}

// revealedPointsTotal sums the points of currently revealed answers on the
// active question.
func (g *GameState) revealedPointsTotal() int {
	q := g.currentQuestion()
	if q == nil {
		return 0
	}
	total := 0
	for _, a := range q.Answers {
		if a.Revealed {
			total += a.Points
		}
	}
	return total
}

func (g *GameState) validTeam(team int) *CommandError {
	if team != 0 && team != 1 {
		return rejectValidation("team index must be 0 or 1, got %d", team)
	}
	return nil
}

func (g *GameState) startGame() *CommandError {
	if g.GameStarted {
		return rejectPrecondition("the game has already been started")
	}

	g.GameStarted = true
	g.QuestionRevealed = false

	return nil
}

func (g *GameState) revealQuestion() *CommandError {
	if !g.GameStarted {
		return rejectPrecondition("the game has not been started yet")
	}
	if g.questionWasRevealed(g.CurrentQuestionIndex) {
		return rejectPrecondition("question %d has already been revealed", g.CurrentQuestionIndex)
	}

	g.RevealedQuestions = append(g.RevealedQuestions, g.CurrentQuestionIndex)
	g.QuestionRevealed = true

	return nil
}

func (g *GameState) revealAnswer(questionIndex, answerIndex int) *CommandError {
	if questionIndex < 0 || questionIndex >= len(g.Questions) {
		return rejectValidation("question index %d is out of range", questionIndex)
	}
	q := &g.Questions[questionIndex]
	if answerIndex < 0 || answerIndex >= len(q.Answers) {
		return rejectValidation("answer index %d is out of range for question %d", answerIndex, questionIndex)
	}
	if !g.GameStarted {
		return rejectPrecondition("the game has not been started yet")
	}
	if !g.questionWasRevealed(questionIndex) {
		return rejectPrecondition("question %d has not been revealed yet", questionIndex)
	}
	if q.Answers[answerIndex].Revealed {
		return rejectPrecondition("answer %d of question %d has already been revealed", answerIndex, questionIndex)
	}

	q.Answers[answerIndex].Revealed = true

	return nil
}

// assignRevealedPoints awards the current question's revealed-point total to
// a team, at most once per team per question. Nothing stops both teams from
// claiming the same question.
func (g *GameState) assignRevealedPoints(team int) *CommandError {
	if err := g.validTeam(team); err != nil {
		return err
	}
	if !g.GameStarted {
		return rejectPrecondition("the game has not been started yet")
	}
	if !g.questionWasRevealed(g.CurrentQuestionIndex) {
		return rejectPrecondition("the current question has not been revealed yet")
	}
	total := g.revealedPointsTotal()
	if total == 0 {
		return rejectPrecondition("no answers have been revealed on the current question")
	}
	if g.AssignedPoints[team] {
		return rejectPrecondition("%s has already been awarded points for this question", g.TeamNames[team])
	}

	g.TeamScores[team] += total
	g.AssignedPoints[team] = true

	return nil
}

// setManualPoints is an absolute override, not a delta. Used by the host to
// correct scores.
func (g *GameState) setManualPoints(team, points int) *CommandError {
	if err := g.validTeam(team); err != nil {
		return err
	}
	if points < 0 {
		return rejectValidation("points must not be negative, got %d", points)
	}

	g.TeamScores[team] = points

	return nil
}

// markWrongAnswer increments the shared strike counter. The second return
// is true when this strike hits the limit, so the caller can emit the
// one-shot strike-limit notification.
func (g *GameState) markWrongAnswer() (bool, *CommandError) {
	if !g.GameStarted {
		return false, rejectPrecondition("the game has not been started yet")
	}
	if !g.questionWasRevealed(g.CurrentQuestionIndex) {
		return false, rejectPrecondition("the current question has not been revealed yet")
	}
	if g.WrongAnswers >= strikeLimit {
		return false, rejectPrecondition("the strike limit of %d has already been reached", strikeLimit)
	}

	g.WrongAnswers++

	return g.WrongAnswers == strikeLimit, nil
}

func (g *GameState) changeQuestion(direction string) *CommandError {
	if direction != directionNext && direction != directionPrev {
		return rejectValidation("direction must be %q or %q, got %q", directionNext, directionPrev, direction)
	}
	if !g.GameStarted {
		return rejectPrecondition("the game has not been started yet")
	}
	if !g.questionWasRevealed(g.CurrentQuestionIndex) {
		return rejectPrecondition("the current question has not been revealed yet")
	}
	if direction == directionNext && g.CurrentQuestionIndex >= len(g.Questions)-1 {
		return rejectPrecondition("already on the last question")
	}
	if direction == directionPrev && g.CurrentQuestionIndex <= 0 {
		return rejectPrecondition("already on the first question")
	}

	if direction == directionNext {
		g.CurrentQuestionIndex++
	} else {
		g.CurrentQuestionIndex--
	}

	// Per-question counters reset on navigation; reveal history does not.
	g.WrongAnswers = 0
	g.AssignedPoints = [2]bool{}
	g.QuestionRevealed = g.questionWasRevealed(g.CurrentQuestionIndex)

	return nil
}

func (g *GameState) endGame() *CommandError {
	if !g.GameStarted {
		return rejectPrecondition("the game has not been started yet")
	}
	if g.GameEnded {
		return rejectPrecondition("the game has already ended")
	}
	if g.CurrentQuestionIndex != len(g.Questions)-1 {
		return rejectPrecondition("the game can only be ended from the last question")
	}

	g.GameEnded = true
	g.FinishedEarly = false

	return nil
}

// finishEarly suspends the game at the current question; resumeGame can
// bring it back.
func (g *GameState) finishEarly() *CommandError {
	if !g.GameStarted {
		return rejectPrecondition("the game has not been started yet")
	}
	if g.GameEnded {
		return rejectPrecondition("the game has already ended")
	}

	index := g.CurrentQuestionIndex
	g.EarlyFinishQuestionIndex = &index
	g.GameEnded = true
	g.FinishedEarly = true

	return nil
}

func (g *GameState) resumeGame() *CommandError {
	if !g.GameEnded {
		return rejectPrecondition("the game has not ended")
	}
	if g.EarlyFinishQuestionIndex == nil {
		return rejectPrecondition("the game was not finished early, so it cannot be resumed")
	}

	g.CurrentQuestionIndex = *g.EarlyFinishQuestionIndex
	g.EarlyFinishQuestionIndex = nil
	g.GameEnded = false
	g.FinishedEarly = false
	g.QuestionRevealed = g.questionWasRevealed(g.CurrentQuestionIndex)

	return nil
}

func (g *GameState) updateTeamName(team int, name string) *CommandError {
	if err := g.validTeam(team); err != nil {
		return err
	}
	if name == "" {
		return rejectValidation("team name must not be empty")
	}

	g.TeamNames[team] = name

	return nil
}
