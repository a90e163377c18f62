package api

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/huykuka/lidargraph/internal/stream"
)

// subscriberBuffer is the per-client frame buffer; a slower client drops
// frames rather than stalling the broadcast path.
const subscriberBuffer = 8

// captureTimeout bounds the one-shot "await next frame" endpoint.
const captureTimeout = 5 * time.Second

func (s *Server) listTopics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"topics": s.hub.PublicTopics()})
}

// subscribeTopic upgrades to a WebSocket and relays every broadcast on the
// topic as a binary message until the client goes away.
func (s *Server) subscribeTopic(c echo.Context) error {
	topic := c.Param("topic")

	conn, err := websocket.Accept(c.Response().Writer, c.Request(), nil)
	if err != nil {
		return nil // handshake failure is already written
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := stream.NewChanSubscriber(subscriberBuffer)
	s.hub.Subscribe(topic, sub)
	s.collector.RecordTopicConnections(topic, s.hub.SubscriberCount(topic))
	defer func() {
		s.hub.Unsubscribe(topic, sub)
		sub.Close()
		s.collector.RecordTopicConnections(topic, s.hub.SubscriberCount(topic))
	}()

	ctx := c.Request().Context()

	// Drain client reads so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
				return nil
			}
		}
	}
}

// captureFrame blocks for the next frame on a topic and returns it as the
// raw binary stream payload.
func (s *Server) captureFrame(c echo.Context) error {
	topic := c.Param("topic")
	msg, err := s.hub.AwaitNext(topic, captureTimeout)
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestTimeout, "no frame arrived on "+topic)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", msg)
}
