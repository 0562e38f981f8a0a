package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/events"
	"github.com/conduitnet/conduit/pkg/jsonhttp"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// wsEvent is the frame pushed to event stream subscribers.
type wsEvent struct {
	Topic   string      `json:"topic"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

var eventTopics = []string{
	channel.TopicChannelUpdated,
	channel.TopicTransferCreated,
	channel.TopicTransferResolved,
	channel.TopicChannelDisputed,
	channel.TopicChannelDefunded,
}

func (s *server) eventsWsHandler(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		jsonhttp.NotImplemented(w, "event stream unavailable")
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugf("api: events: upgrade: %v", err)
		jsonhttp.BadRequest(w, "cannot upgrade")
		return
	}
	s.wsWg.Add(1)
	go s.pushEvents(conn)
}

func (s *server) pushEvents(conn *websocket.Conn) {
	defer s.wsWg.Done()
	defer conn.Close()

	s.metrics.WebsocketSessions.Inc()
	defer s.metrics.WebsocketSessions.Dec()

	// outgoing is buffered so a slow bus handler never blocks Publish.
	// A client that cannot keep up is disconnected.
	outgoing := make(chan wsEvent, 128)
	overflow := make(chan struct{})
	gone := make(chan struct{})

	var cancels []func()
	for _, topic := range eventTopics {
		cancels = append(cancels, s.bus.On(topic, func(ev events.Event) {
			select {
			case outgoing <- wsEvent{Topic: ev.Topic, At: ev.At, Payload: ev.Payload}:
			default:
				select {
				case <-overflow:
				default:
					close(overflow)
				}
			}
		}))
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	conn.SetCloseHandler(func(code int, _ string) error {
		s.logger.Debugf("api: events: client closed connection: %v", code)
		close(gone)
		return nil
	})
	go func() {
		// drain control frames so close and pong handlers fire
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.WsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-outgoing:
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debugf("api: events: write: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugf("api: events: ping: %v", err)
				return
			}
		case <-overflow:
			s.logger.Warningf("api: events: client too slow, disconnecting")
			return
		case <-gone:
			return
		case <-s.quit:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

const writeDeadline = 4 * time.Second
