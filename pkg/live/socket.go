package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
)

// controlFrame tells the gateway which topics this connection wants.
type controlFrame struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Table  string `json:"table"`
	Filter Filter `json:"filter"`
}

// Socket is a Feed over a single websocket connection to the gateway.
// One read pump fans events out to the registered subscriptions.
type Socket struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// Dial connects to the gateway with a bearer token and starts the read pump.
func Dial(ctx context.Context, url, token string, log *zap.Logger) (*Socket, error) {
	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		conn: conn,
		log:  log,
		subs: make(map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

func (s *Socket) Subscribe(ctx context.Context, table string, filter Filter) (*Subscription, error) {
	sub := NewSubscription(table, filter, s.remove)

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	if err := s.writeJSON(controlFrame{Action: "subscribe", Table: table, Filter: filter}); err != nil {
		s.remove(sub)
		return nil, err
	}
	return sub, nil
}

func (s *Socket) Publish(ctx context.Context, ev Event) error {
	return s.writeJSON(ev)
}

// Close tears down the connection and ends every open subscription.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()

		s.mu.Lock()
		subs := make([]*Subscription, 0, len(s.subs))
		for sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	})
	return err
}

// remove is the subscription cancel hook. It holds the registry lock, so
// once it returns no further deliveries can touch the subscription and the
// caller may close its channel.
func (s *Socket) remove(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}
	// Best-effort: the gateway stops sending this topic.
	if err := s.writeJSON(controlFrame{Action: "unsubscribe", Table: sub.table, Filter: sub.filter}); err != nil {
		s.log.Debug("unsubscribe frame failed", zap.Error(err))
	}
}

func (s *Socket) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// readPump pumps events from the websocket connection to the subscriptions.
func (s *Socket) readPump() {
	defer s.Close()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Warn("feed read error", zap.Error(err))
				}
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			s.log.Warn("malformed feed event", zap.Error(err))
			continue
		}

		s.mu.RLock()
		for sub := range s.subs {
			sub.Deliver(ev)
		}
		s.mu.RUnlock()
	}
}
