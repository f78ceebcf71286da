package controller

import (
	"log"
	"time"

	"leadflow/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const activityPingInterval = 30 * time.Second

type ActivityController struct {
	Hub    *services.ActivityHub
	Logger *log.Logger
}

func NewActivityController(hub *services.ActivityHub, logger *log.Logger) *ActivityController {
	return &ActivityController{
		Hub:    hub,
		Logger: logger,
	}
}

// RequireUpgrade rejects plain HTTP requests to the websocket endpoint
func (ac *ActivityController) RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleActivityWS streams activity events until the client goes away
func (ac *ActivityController) HandleActivityWS(c *websocket.Conn) {
	defer c.Close()

	events, unsubscribe := ac.Hub.Subscribe()
	defer unsubscribe()

	// The client never sends anything we act on; reading detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(activityPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(event); err != nil {
				ac.Logger.Printf("Error writing activity event: %v", err)
				return
			}
		case <-ping.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
