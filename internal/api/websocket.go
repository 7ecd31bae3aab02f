package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bbernstein/lacylights-ledmap/internal/services/pubsub"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 10 * time.Second
	wsBufferSize   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for WebSocket
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Event is one message sent to websocket clients.
type Event struct {
	Type    pubsub.Topic `json:"type"`
	Payload interface{}  `json:"payload"`
}

// wsCommand is a message sent by a websocket client.
type wsCommand struct {
	Action string `json:"action"`
}

// handleWebsocket streams pubsub events to the client. ?runId= restricts
// calibration events to one run. A client may send {"action":"cancel"} to
// stop the run in progress.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	filter := r.URL.Query().Get("runId")
	events := make(chan Event, wsBufferSize)
	done := make(chan struct{})

	for _, topic := range pubsub.Topics {
		sub := s.deps.PubSub.Subscribe(topic, filter, wsBufferSize)
		defer s.deps.PubSub.Unsubscribe(sub)
		go forward(sub, events, done)
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var cmd wsCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket read error: %v", err)
				}
				return
			}
			if cmd.Action == "cancel" && s.CancelRun() {
				log.Printf("🛑 Calibration cancelled by websocket client")
			}
		}
	}()
	defer close(done)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("websocket write error: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// forward copies messages from one subscription into events until done is
// closed or the subscription ends.
func forward(sub *pubsub.Subscriber, events chan<- Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.Channel:
			if !ok {
				return
			}
			select {
			case events <- Event{Type: sub.Topic, Payload: msg}:
			case <-done:
				return
			}
		}
	}
}
