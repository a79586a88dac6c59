package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"voltcore/internal/events"
	"voltcore/internal/registry"
)

const ocppSubprotocol = "ocpp1.6"

// Credentials is the optional basic-auth check for connecting devices.
type Credentials struct {
	User       string
	SecretHash string // bcrypt hash
}

// Enabled reports whether the check is configured.
func (c Credentials) Enabled() bool {
	return c.User != "" && c.SecretHash != ""
}

func (c Credentials) verify(user, secret string) bool {
	if user != c.User {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// Server upgrades device HTTP connections to OCPP websockets.
type Server struct {
	reg          *registry.Registry
	processor    MessageProcessor
	bus          *events.Bus
	creds        Credentials
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

// NewServer builds the device-facing websocket server.
func NewServer(
	reg *registry.Registry,
	processor MessageProcessor,
	bus *events.Bus,
	creds Credentials,
	writeTimeout, pingInterval time.Duration,
	logger *zap.Logger,
) *Server {
	return &Server{
		reg:          reg,
		processor:    processor,
		bus:          bus,
		creds:        creds,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{ocppSubprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS is the HTTP handler for the /ocpp endpoint. Device identity is
// carried in the connection URI (?chargeBoxIdentity=<id>).
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("chargeBoxIdentity")
	if deviceID == "" {
		http.Error(w, "chargeBoxIdentity is required", http.StatusBadRequest)
		return
	}

	if s.creds.Enabled() {
		user, secret, ok := r.BasicAuth()
		if !ok || !s.creds.verify(user, secret) {
			// The failed request never held a handle; an existing session
			// under this identity stays registered.
			s.logger.Warn("device failed authentication", zap.String("device_id", deviceID))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := NewConnection(deviceID, conn, s.processor, s.reg, s.writeTimeout, s.pingInterval, s.logger, func(c *Connection) {
		// A replacement connection may own the identity by now; only the
		// current holder removes the registry entry and connector state.
		if id, ok := s.reg.ReverseLookup(c); ok && id == c.DeviceID() {
			s.reg.Remove(c.DeviceID())
			s.bus.Publish(events.TypeDeviceDisconnected, c.DeviceID(), nil)
		}
		cancel()
	})

	s.reg.Add(deviceID, connection)
	s.bus.Publish(events.TypeDeviceConnected, deviceID, nil)
	s.logger.Info("device connected", zap.String("device_id", deviceID))

	go connection.Start(ctx)
}
