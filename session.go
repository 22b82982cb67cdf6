// Feudboard broadcast/session layer
//
// A single hub fans the authoritative game state out to every connected
// viewer. All commands, whether from the host websocket or the bank upload
// endpoint, are funneled through one run loop, so exactly one writer ever
// touches the state and every viewer sees fully settled snapshots.
//
// Features:
// - Host console at /host/ws, audience board at /ws, one shared hub
// - First cookie to connect on the host socket claims the host seat, and
//   keeps it across reconnects
// - Late joiners get the current snapshot immediately on connect
// - Reconnecting clients send request-state with their last seen timestamp
//   and are only resent state that is newer
// - Rejections go to the issuing session only, never broadcast
// - Slow or dead viewers are evicted rather than blocking the next command
// - Disconnected session bookkeeping is reaped after a grace period
// - Viewers identified by cookie (playerID), crypto/rand hex

package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Inbound command names. These double as websocket message types.
const (
	cmdStartGame            = "start-game"
	cmdRevealQuestion       = "reveal-question"
	cmdRevealAnswer         = "reveal-answer"
	cmdAssignRevealedPoints = "assign-revealed-points"
	cmdSetManualPoints      = "set-manual-points"
	cmdMarkWrongAnswer      = "mark-wrong-answer"
	cmdChangeQuestion       = "change-question"
	cmdEndGame              = "end-game"
	cmdFinishGameEarly      = "finish-game-early"
	cmdResumeGame           = "resume-game"
	cmdUpdateTeamName       = "update-team-name"
	cmdResetGame            = "reset-game"
	cmdReplaceQuestionBank  = "replace-question-bank"
	cmdPlaySound            = "play-sound"
	cmdRequestState         = "request-state"
)

// Messages coming from clients
type ClientMessage struct {
	Type          string `json:"type"`
	QuestionIndex *int   `json:"questionIndex,omitempty"`  // reveal-answer
	AnswerIndex   *int   `json:"answerIndex,omitempty"`    // reveal-answer
	Team          *int   `json:"team,omitempty"`           // assign/set points, team name
	Points        *int   `json:"points,omitempty"`         // set-manual-points
	Direction     string `json:"direction,omitempty"`      // change-question
	Name          string `json:"name,omitempty"`           // update-team-name
	Kind          string `json:"kind,omitempty"`           // play-sound
	Since         *int64 `json:"sinceTimestamp,omitempty"` // request-state
	Source        string `json:"source,omitempty"`         // replace-question-bank (csv text)
}

// StateMessage carries the full snapshot to every viewer.
type StateMessage struct {
	Type  string     `json:"type"` // "game-update"
	State *GameState `json:"state"`
}

// RejectedMessage is sent only to the session whose command was refused.
type RejectedMessage struct {
	Type   string     `json:"type"` // "command-rejected"
	Kind   RejectKind `json:"kind"`
	Reason string     `json:"reason"`
}

// SoundMessage is a pure relay; it is never persisted.
type SoundMessage struct {
	Type string `json:"type"` // "play-sound"
	Kind string `json:"kind"`
}

// NoticeMessage covers one-shot notifications like "strike-limit-reached".
type NoticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionInfoMessage is sent immediately on connect so the client knows
// its role and whether this is a resumed session.
type SessionInfoMessage struct {
	Type       string `json:"type"` // "session-info"
	IsHost     bool   `json:"is_host"`
	Reconnects int    `json:"reconnects"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
	wantHost bool
}

// commandRequest funnels a command into the hub's run loop. client is nil
// for http-origin commands (bank upload), which reply over the reply channel
// instead of a websocket.
type commandRequest struct {
	client *Client
	reply  chan *CommandError
	msg    ClientMessage
}

// session is per-cookie bookkeeping, kept across reconnects and purged by
// the reaper once the grace period passes with no connection.
type session struct {
	connectedAt time.Time
	lastActive  time.Time
	reconnects  int
	connections int
}

type Hub struct {
	store *Store
	bank  *Bank

	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	commands chan commandRequest

	mu       sync.RWMutex
	sessions map[string]*session

	hostPlayerID string
}

func newHub(store *Store, bank *Bank) *Hub {
	return &Hub{
		store:    store,
		bank:     bank,
		clients:  make(map[*Client]bool),
		register: make(chan *Client),
		unreg:    make(chan *Client),
		commands: make(chan commandRequest),
		sessions: make(map[string]*session),
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(cfg, c)

		case c := <-h.unreg:
			h.handleUnregister(c)

		case cr := <-h.commands:
			h.dispatch(cfg, cr)
		}
	}
}

func (h *Hub) handleRegister(cfg *Config, c *Client) {
	now := time.Now()

	h.mu.Lock()
	sess, resumed := h.sessions[c.playerID]
	if resumed {
		sess.reconnects++
		sess.lastActive = now
		sess.connections++
	} else {
		sess = &session{
			connectedAt: now,
			lastActive:  now,
			connections: 1,
		}
		h.sessions[c.playerID] = sess
	}
	reconnects := sess.reconnects
	h.mu.Unlock()

	// First cookie to ask for the host seat gets it, and keeps it.
	if c.wantHost && (h.hostPlayerID == "" || h.hostPlayerID == c.playerID) {
		if h.hostPlayerID == "" {
			logf(cfg, "GAMES: Host seat claimed by %s", c.playerID)
		}
		h.hostPlayerID = c.playerID
	}

	h.clients[c] = true

	// session-info first, then the current snapshot for late join.
	h.sendOrEvict(c, SessionInfoMessage{
		Type:       "session-info",
		IsHost:     c.playerID == h.hostPlayerID,
		Reconnects: reconnects,
	})
	h.sendOrEvict(c, StateMessage{
		Type:  "game-update",
		State: h.store.snapshot(),
	})
}

func (h *Hub) handleUnregister(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	h.mu.Lock()
	if sess, ok := h.sessions[c.playerID]; ok {
		sess.connections--
		sess.lastActive = time.Now()
	}
	h.mu.Unlock()
}

// dispatch runs one command to completion: validate, mutate, persist,
// broadcast. Rejections are reported to the issuing session only.
func (h *Hub) dispatch(cfg *Config, cr commandRequest) {
	msg := cr.msg

	// request-state is open to any session; it is the reconnect cursor.
	if msg.Type == cmdRequestState {
		if cr.client != nil {
			state := h.store.snapshot()
			if msg.Since == nil || state.LastUpdateTime > *msg.Since {
				h.sendOrEvict(cr.client, StateMessage{
					Type:  "game-update",
					State: state,
				})
			}
		}
		h.respond(cfg, cr, nil)
		return
	}

	// Everything else mutates or relays, and is host-only. Commands from
	// the upload endpoint (nil client) are already privileged.
	if cr.client != nil && cr.client.playerID != h.hostPlayerID {
		h.respond(cfg, cr, rejectPrecondition("only the host may issue commands"))
		return
	}

	switch msg.Type {
	case cmdPlaySound:
		if msg.Kind == "" {
			h.respond(cfg, cr, rejectValidation("play-sound requires a sound kind"))
			return
		}
		h.broadcast(SoundMessage{Type: cmdPlaySound, Kind: msg.Kind})
		h.respond(cfg, cr, nil)
		return

	case cmdResetGame:
		bank, err := h.bank.load(cfg)
		if err != nil {
			h.respond(cfg, cr, rejectValidation("reloading the question bank failed: %v", err))
			return
		}
		h.store.reset(cfg, bank)
		logf(cfg, "GAMES: Game reset with %d questions", len(bank))
		h.broadcastState()
		h.respond(cfg, cr, nil)
		return

	case cmdReplaceQuestionBank:
		if msg.Source == "" {
			h.respond(cfg, cr, rejectValidation("replace-question-bank requires a csv source"))
			return
		}
		bank, err := h.bank.replace(cfg, msg.Source)
		if err != nil {
			h.respond(cfg, cr, rejectValidation("replacing the question bank failed: %v", err))
			return
		}
		h.store.reset(cfg, bank)
		logf(cfg, "GAMES: Question bank replaced with %d questions", len(bank))
		h.broadcastState()
		h.respond(cfg, cr, nil)
		return
	}

	strikeLimitHit := false

	err := h.store.apply(cfg, func(g *GameState) *CommandError {
		switch msg.Type {
		case cmdStartGame:
			return g.startGame()

		case cmdRevealQuestion:
			return g.revealQuestion()

		case cmdRevealAnswer:
			if msg.QuestionIndex == nil || msg.AnswerIndex == nil {
				return rejectValidation("reveal-answer requires questionIndex and answerIndex")
			}
			return g.revealAnswer(*msg.QuestionIndex, *msg.AnswerIndex)

		case cmdAssignRevealedPoints:
			if msg.Team == nil {
				return rejectValidation("assign-revealed-points requires a team")
			}
			return g.assignRevealedPoints(*msg.Team)

		case cmdSetManualPoints:
			if msg.Team == nil || msg.Points == nil {
				return rejectValidation("set-manual-points requires a team and a point value")
			}
			return g.setManualPoints(*msg.Team, *msg.Points)

		case cmdMarkWrongAnswer:
			limit, err := g.markWrongAnswer()
			strikeLimitHit = limit
			return err

		case cmdChangeQuestion:
			return g.changeQuestion(msg.Direction)

		case cmdEndGame:
			return g.endGame()

		case cmdFinishGameEarly:
			return g.finishEarly()

		case cmdResumeGame:
			return g.resumeGame()

		case cmdUpdateTeamName:
			if msg.Team == nil {
				return rejectValidation("update-team-name requires a team")
			}
			return g.updateTeamName(*msg.Team, msg.Name)

		default:
			return rejectValidation("unknown command %q", msg.Type)
		}
	})

	if err != nil {
		logf(cfg, "GAMES: Rejected %s: %s", msg.Type, err.Reason)
		h.respond(cfg, cr, err)
		return
	}

	h.broadcastState()

	if strikeLimitHit {
		h.broadcast(NoticeMessage{
			Type:    "strike-limit-reached",
			Message: "Three strikes!",
		})
	}

	h.respond(cfg, cr, nil)
}

func (h *Hub) respond(cfg *Config, cr commandRequest, err *CommandError) {
	if cr.reply != nil {
		cr.reply <- err
		return
	}
	if err != nil && cr.client != nil {
		h.sendOrEvict(cr.client, RejectedMessage{
			Type:   "command-rejected",
			Kind:   err.Kind,
			Reason: err.Reason,
		})
	}
}

func (h *Hub) broadcastState() {
	h.broadcast(StateMessage{
		Type:  "game-update",
		State: h.store.snapshot(),
	})
}

func (h *Hub) broadcast(msg any) {
	for client := range h.clients {
		h.sendOrEvict(client, msg)
	}
}

// sendOrEvict never blocks the run loop: a viewer whose send buffer is full
// is evicted and its connection closed so the pumps wind down. Sends to a
// client no longer in the map are dropped; its send channel is closed.
func (h *Hub) sendOrEvict(c *Client, msg any) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		h.evict(c)
	}
}

func (h *Hub) evict(c *Client) {
	delete(h.clients, c)
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// reaperLoop purges bookkeeping for sessions that have had no connection
// for longer than the grace period. Reconnecting within the window resumes
// the same logical session.
func (h *Hub) reaperLoop(cfg *Config) {
	ticker := time.NewTicker(cfg.sessionGrace / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-cfg.sessionGrace)

		h.mu.Lock()
		for id, sess := range h.sessions {
			if sess.connections <= 0 && sess.lastActive.Before(cutoff) {
				delete(h.sessions, id)
				logf(cfg, "GAMES: Forgot idle session %s", id)
			}
		}
		h.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "feudboard_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// serveSocket upgrades a connection and attaches it to the hub. The host
// console connects with wantHost set; everyone else is an observer.
func serveSocket(cfg *Config, hub *Hub, wantHost bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
			wantHost: wantHost,
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		h.commands <- commandRequest{
			client: c,
			msg:    msg,
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
