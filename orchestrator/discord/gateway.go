package discord

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents: guilds (channel metadata) and guild message reactions
// (the vote input stream).
const (
	intentGuilds                = 1 << 0
	intentGuildMessageReactions = 1 << 10
)

// Gateway maintains the websocket event connection and dispatches reaction
// events to the registered handlers. It reconnects forever until the context
// is cancelled; event loss during a disconnect is tolerated because the
// reaction safeguard replays missed reactions from the messages themselves.
type Gateway struct {
	token string
	url   string

	mu      sync.Mutex
	conn    *websocket.Conn
	seq     int64
	readyCh chan struct{}

	OnReactionAdd    func(ReactionEvent)
	OnReactionRemove func(ReactionEvent)
}

// NewGateway creates a gateway consumer for the bot token.
func NewGateway(token string) *Gateway {
	return &Gateway{
		token:   token,
		url:     gatewayURL,
		readyCh: make(chan struct{}),
	}
}

// SetURL overrides the gateway endpoint, for tests.
func (g *Gateway) SetURL(u string) { g.url = u }

// Ready is closed when the first READY dispatch arrives; recovery waits on
// it before auditing chat-side state.
func (g *Gateway) Ready() <-chan struct{} { return g.readyCh }

// Run connects and processes events until ctx is cancelled, reconnecting
// with capped backoff on any failure.
func (g *Gateway) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := g.session(ctx)
		if ctx.Err() != nil {
			return
		}
		logrus.WithError(err).WithField("backoff", backoff).Warn("gateway session ended, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

type gatewayPayload struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Seq  int64           `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

func (g *Gateway) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	defer conn.Close()

	// First frame must be HELLO with the heartbeat interval.
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return err
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.Data, &helloData); err != nil {
		return err
	}

	if err := g.writeJSON(gatewayPayload{
		Op: opIdentify,
		Data: mustMarshal(map[string]any{
			"token":   g.token,
			"intents": intentGuilds | intentGuildMessageReactions,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "polly",
				"device":  "polly",
			},
		}),
	}); err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go g.heartbeatLoop(hbCtx, time.Duration(helloData.HeartbeatInterval)*time.Millisecond)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return err
		}
		if payload.Seq != 0 {
			g.mu.Lock()
			g.seq = payload.Seq
			g.mu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			g.dispatch(payload)
		case opHeartbeat:
			g.sendHeartbeat()
		case opReconnect, opInvalidSession:
			return nil // reconnect from the top
		case opHeartbeatAck:
			// nothing to do
		}
	}
}

func (g *Gateway) dispatch(payload gatewayPayload) {
	switch payload.Type {
	case "READY":
		select {
		case <-g.readyCh:
			// already signalled on an earlier session
		default:
			close(g.readyCh)
		}
		logrus.Info("gateway ready")
	case "MESSAGE_REACTION_ADD":
		var ev ReactionEvent
		if err := json.Unmarshal(payload.Data, &ev); err != nil {
			logrus.WithError(err).Warn("bad reaction add payload")
			return
		}
		if g.OnReactionAdd != nil {
			g.OnReactionAdd(ev)
		}
	case "MESSAGE_REACTION_REMOVE":
		var ev ReactionEvent
		if err := json.Unmarshal(payload.Data, &ev); err != nil {
			return
		}
		if g.OnReactionRemove != nil {
			g.OnReactionRemove(ev)
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sendHeartbeat()
		}
	}
}

func (g *Gateway) sendHeartbeat() {
	g.mu.Lock()
	seq := g.seq
	g.mu.Unlock()
	payload := gatewayPayload{Op: opHeartbeat, Data: mustMarshal(seq)}
	if err := g.writeJSON(payload); err != nil {
		logrus.WithError(err).Debug("heartbeat write failed")
	}
}

func (g *Gateway) writeJSON(v any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return websocket.ErrCloseSent
	}
	return g.conn.WriteJSON(v)
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
