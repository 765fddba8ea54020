package http

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"study-sync-service/internal/app"
	"study-sync-service/internal/logger"
)

// WSHandler streams refresh events of one device and accepts sync commands.
type WSHandler struct {
	devices  app.DeviceRepository
	events   app.EventBus
	log      *logger.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(devices app.DeviceRepository, events app.EventBus, log *logger.Logger) *WSHandler {
	return &WSHandler{
		devices: devices,
		events:  events,
		log:     log.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type readyPayload struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId,omitempty"`
}

// ServeWS upgrades the request and forwards the device's refresh events until
// the client disconnects. Clients may send "status" and "sync" commands.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		http.Error(w, "missing device", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	device := h.devices.GetOrCreate(deviceID)
	if err := device.Boot(r.Context()); err != nil {
		h.log.Warn("device boot failed", "device", deviceID, "error", err)
	}

	updates, cancel, err := h.events.Subscribe(r.Context(), deviceID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// Only the writer goroutine touches conn for writes.
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write error", "device", deviceID, "error", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "refresh", Payload: update}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	ready := readyPayload{DeviceID: deviceID}
	if userID, ok := device.Sessions.GetUser(r.Context()); ok {
		ready.UserID = userID
	}
	send <- outboundMessage[any]{Type: "ready", Payload: ready}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "status":
			send <- outboundMessage[any]{Type: "syncStatus", Payload: device.Sync.GetSyncStatus(r.Context())}
		case "sync":
			send <- outboundMessage[any]{Type: "syncResult", Payload: device.Orchestrator.FullSync(r.Context())}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}
