package main

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *Config) {
	t.Helper()

	cfg := testConfig()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, cfg.questions, []byte(sampleCSV), 0o644))

	bank := newBank(fs, cfg.questions)
	questions, err := bank.load(cfg)
	require.NoError(t, err)

	store := newStore(fs, cfg.snapshot)
	require.NoError(t, store.bootstrap(cfg, questions))

	hub := newHub(store, bank)
	go hub.run(cfg)

	return hub, cfg
}

func receive(t *testing.T, c *Client) any {
	t.Helper()

	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func expectNoMessage(t *testing.T, c *Client) {
	t.Helper()

	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message: %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// connect registers a fake client and consumes the connect greeting.
func connect(t *testing.T, hub *Hub, id string, wantHost bool) (*Client, SessionInfoMessage) {
	t.Helper()

	c := &Client{
		send:     make(chan any, 32),
		playerID: id,
		wantHost: wantHost,
	}
	hub.register <- c

	info, ok := receive(t, c).(SessionInfoMessage)
	require.True(t, ok, "expected session-info first")

	state, ok := receive(t, c).(StateMessage)
	require.True(t, ok, "expected a snapshot on connect")
	require.NotNil(t, state.State)

	return c, info
}

func issue(hub *Hub, c *Client, msg ClientMessage) {
	hub.commands <- commandRequest{client: c, msg: msg}
}

func TestHubLateJoin(t *testing.T) {
	hub, _ := newTestHub(t)

	_, info := connect(t, hub, "viewer", false)
	assert.False(t, info.IsHost)
	assert.Zero(t, info.Reconnects)
}

func TestHubHostSeat(t *testing.T) {
	hub, _ := newTestHub(t)

	_, info := connect(t, hub, "alice", true)
	assert.True(t, info.IsHost)

	// The seat is taken; a second claimant stays an observer.
	_, info = connect(t, hub, "bob", true)
	assert.False(t, info.IsHost)

	// But the original cookie keeps the seat across reconnects.
	_, info = connect(t, hub, "alice", true)
	assert.True(t, info.IsHost)
}

func TestHubRejectsNonHostCommands(t *testing.T) {
	hub, _ := newTestHub(t)

	host, _ := connect(t, hub, "host", true)
	viewer, _ := connect(t, hub, "viewer", false)

	issue(hub, viewer, ClientMessage{Type: cmdStartGame})

	// The rejection goes to the issuing session only.
	rejected, ok := receive(t, viewer).(RejectedMessage)
	require.True(t, ok)
	assert.Equal(t, RejectPrecondition, rejected.Kind)
	expectNoMessage(t, host)

	assert.False(t, hub.store.current().GameStarted)
}

func TestHubBroadcastsAcceptedCommands(t *testing.T) {
	hub, _ := newTestHub(t)

	host, _ := connect(t, hub, "host", true)
	viewer, _ := connect(t, hub, "viewer", false)

	issue(hub, host, ClientMessage{Type: cmdStartGame})

	for _, c := range []*Client{host, viewer} {
		update, ok := receive(t, c).(StateMessage)
		require.True(t, ok)
		assert.True(t, update.State.GameStarted)
	}
}

func TestHubRejectionsAreNotBroadcast(t *testing.T) {
	hub, _ := newTestHub(t)

	host, _ := connect(t, hub, "host", true)
	viewer, _ := connect(t, hub, "viewer", false)

	// reveal-question before start-game is illegal.
	issue(hub, host, ClientMessage{Type: cmdRevealQuestion})

	rejected, ok := receive(t, host).(RejectedMessage)
	require.True(t, ok)
	assert.Equal(t, RejectPrecondition, rejected.Kind)
	expectNoMessage(t, viewer)
}

func TestHubStrikeLimitNotification(t *testing.T) {
	hub, _ := newTestHub(t)

	host, _ := connect(t, hub, "host", true)

	for _, msg := range []ClientMessage{
		{Type: cmdStartGame},
		{Type: cmdRevealQuestion},
		{Type: cmdMarkWrongAnswer},
		{Type: cmdMarkWrongAnswer},
	} {
		issue(hub, host, msg)
		_, ok := receive(t, host).(StateMessage)
		require.True(t, ok)
	}

	// The third strike carries the one-shot notification after the update.
	issue(hub, host, ClientMessage{Type: cmdMarkWrongAnswer})

	update, ok := receive(t, host).(StateMessage)
	require.True(t, ok)
	assert.Equal(t, 3, update.State.WrongAnswers)

	notice, ok := receive(t, host).(NoticeMessage)
	require.True(t, ok)
	assert.Equal(t, "strike-limit-reached", notice.Type)
	expectNoMessage(t, host)
}

func TestHubRequestState(t *testing.T) {
	hub, _ := newTestHub(t)

	viewer, _ := connect(t, hub, "viewer", false)
	current := hub.store.current().LastUpdateTime

	// Nothing newer than the cursor: nothing is resent.
	issue(hub, viewer, ClientMessage{Type: cmdRequestState, Since: &current})
	expectNoMessage(t, viewer)

	// A stale cursor gets the full snapshot.
	stale := current - 1
	issue(hub, viewer, ClientMessage{Type: cmdRequestState, Since: &stale})
	_, ok := receive(t, viewer).(StateMessage)
	require.True(t, ok)
}

func TestHubReconnectBookkeeping(t *testing.T) {
	hub, _ := newTestHub(t)

	c, info := connect(t, hub, "viewer", false)
	assert.Zero(t, info.Reconnects)

	hub.unreg <- c

	_, info = connect(t, hub, "viewer", false)
	assert.Equal(t, 1, info.Reconnects)
}

func TestHubPlaySoundRelay(t *testing.T) {
	hub, _ := newTestHub(t)

	host, _ := connect(t, hub, "host", true)
	viewer, _ := connect(t, hub, "viewer", false)

	before := hub.store.current().LastUpdateTime

	issue(hub, host, ClientMessage{Type: cmdPlaySound, Kind: "buzzer"})

	sound, ok := receive(t, viewer).(SoundMessage)
	require.True(t, ok)
	assert.Equal(t, "buzzer", sound.Kind)

	// Ephemeral: the relay never touches persisted state.
	assert.Equal(t, before, hub.store.current().LastUpdateTime)
}

func TestHubUnknownCommand(t *testing.T) {
	hub, _ := newTestHub(t)

	host, _ := connect(t, hub, "host", true)

	issue(hub, host, ClientMessage{Type: "moonwalk"})

	rejected, ok := receive(t, host).(RejectedMessage)
	require.True(t, ok)
	assert.Equal(t, RejectValidation, rejected.Kind)
}

func TestHubReplaceQuestionBank(t *testing.T) {
	hub, _ := newTestHub(t)

	viewer, _ := connect(t, hub, "viewer", false)

	replacement := "question,answer,points\nName a drink,Coffee,70\n"

	reply := make(chan *CommandError, 1)
	hub.commands <- commandRequest{
		reply: reply,
		msg:   ClientMessage{Type: cmdReplaceQuestionBank, Source: replacement},
	}
	require.Nil(t, <-reply)

	// Observers see the reset state built from the new bank.
	update, ok := receive(t, viewer).(StateMessage)
	require.True(t, ok)
	require.Len(t, update.State.Questions, 1)
	assert.Equal(t, "Name a drink", update.State.Questions[0].Text)
	assert.False(t, update.State.GameStarted)
}

func TestHubReplaceQuestionBankInvalid(t *testing.T) {
	hub, _ := newTestHub(t)

	viewer, _ := connect(t, hub, "viewer", false)

	reply := make(chan *CommandError, 1)
	hub.commands <- commandRequest{
		reply: reply,
		msg:   ClientMessage{Type: cmdReplaceQuestionBank, Source: "garbage"},
	}

	cmdErr := <-reply
	require.NotNil(t, cmdErr)
	assert.Equal(t, RejectValidation, cmdErr.Kind)

	// The failed upload changes nothing for observers.
	expectNoMessage(t, viewer)
	require.Len(t, hub.store.current().Questions, 2)
}

func TestHubEvictedClientCommandsAreIgnored(t *testing.T) {
	hub, _ := newTestHub(t)

	host, _ := connect(t, hub, "host", true)

	// A viewer with no send capacity is evicted during registration.
	stuck := &Client{
		send:     make(chan any),
		playerID: "stuck",
	}
	hub.register <- stuck

	// A command from the evicted client must not take down the run loop.
	issue(hub, stuck, ClientMessage{Type: cmdStartGame})

	issue(hub, host, ClientMessage{Type: cmdStartGame})

	update, ok := receive(t, host).(StateMessage)
	require.True(t, ok)
	assert.True(t, update.State.GameStarted)
}

func TestHubSnapshotsAreIsolated(t *testing.T) {
	hub, _ := newTestHub(t)

	host, _ := connect(t, hub, "host", true)

	for _, msg := range []ClientMessage{
		{Type: cmdStartGame},
		{Type: cmdRevealQuestion},
	} {
		issue(hub, host, msg)
		_, ok := receive(t, host).(StateMessage)
		require.True(t, ok)
	}

	q, a := 0, 0
	issue(hub, host, ClientMessage{Type: cmdRevealAnswer, QuestionIndex: &q, AnswerIndex: &a})

	first, ok := receive(t, host).(StateMessage)
	require.True(t, ok)
	require.NotSame(t, hub.store.current(), first.State)
	assert.True(t, first.State.Questions[0].Answers[0].Revealed)

	team := 0
	issue(hub, host, ClientMessage{Type: cmdUpdateTeamName, Team: &team, Name: "Renamed"})

	second, ok := receive(t, host).(StateMessage)
	require.True(t, ok)
	require.NotSame(t, first.State, second.State)
	assert.Equal(t, "Renamed", second.State.TeamNames[0])

	b := 1
	issue(hub, host, ClientMessage{Type: cmdRevealAnswer, QuestionIndex: &q, AnswerIndex: &b})
	_, ok = receive(t, host).(StateMessage)
	require.True(t, ok)

	// Later mutations never reach into an already-enqueued snapshot, not
	// even through the nested answer slices.
	assert.Equal(t, defaultTeamOneName, first.State.TeamNames[0])
	assert.False(t, first.State.Questions[0].Answers[1].Revealed)
	assert.False(t, second.State.Questions[0].Answers[1].Revealed)
}

func TestHubResetGame(t *testing.T) {
	hub, _ := newTestHub(t)

	host, _ := connect(t, hub, "host", true)

	issue(hub, host, ClientMessage{Type: cmdStartGame})
	_, ok := receive(t, host).(StateMessage)
	require.True(t, ok)

	issue(hub, host, ClientMessage{Type: cmdResetGame})

	update, ok := receive(t, host).(StateMessage)
	require.True(t, ok)
	assert.False(t, update.State.GameStarted)
	assert.Empty(t, update.State.RevealedQuestions)
}
