package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltcore/internal/events"
	"voltcore/internal/ocpp"
	"voltcore/internal/ocpp/protocol"
	"voltcore/internal/registry"
	"voltcore/internal/session"
	"voltcore/internal/state"
)

const defaultReservationWindow = 5 * time.Minute

// Request is the client-facing envelope.
type Request struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one request.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries a failed request's code and message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// eventPush wraps bus events delivered to a subscribed client.
type eventPush struct {
	Event events.Event `json:"event"`
}

// Server hosts the action-API websocket endpoint.
type Server struct {
	auth        *Authenticator
	coordinator *Coordinator
	sender      *ocpp.Sender
	store       *state.Store
	reg         *registry.Registry
	ledger      *session.Ledger
	bus         *events.Bus
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	reservationSeq atomic.Int64
}

// NewServer builds the action-API server.
func NewServer(
	auth *Authenticator,
	coordinator *Coordinator,
	sender *ocpp.Sender,
	store *state.Store,
	reg *registry.Registry,
	ledger *session.Ledger,
	bus *events.Bus,
	logger *zap.Logger,
) *Server {
	return &Server{
		auth:        auth,
		coordinator: coordinator,
		sender:      sender,
		store:       store,
		reg:         reg,
		ledger:      ledger,
		bus:         bus,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type client struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	sub      *events.Subscription
	pumpDone chan struct{}
}

func (c *client) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// HandleWS upgrades a client connection and serves its requests. Requests on
// one connection are processed in order; the event pump runs alongside.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	subject, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("api websocket upgrade failed", zap.Error(err))
		return
	}

	s.logger.Info("api client connected", zap.String("subject", subject))
	c := &client{conn: conn}
	defer s.cleanup(c)

	conn.SetReadLimit(256 * 1024)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("api client disconnected", zap.String("subject", subject), zap.Error(err))
			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = c.write(Response{Error: &ErrorBody{Code: "BadRequest", Message: "unparsable request"}})
			continue
		}

		resp := s.dispatch(r.Context(), c, req)
		if err := c.write(resp); err != nil {
			s.logger.Warn("api write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) cleanup(c *client) {
	if c.sub != nil {
		s.bus.Unsubscribe(c.sub)
		<-c.pumpDone
	}
	_ = c.conn.Close()
}

func (s *Server) dispatch(ctx context.Context, c *client, req Request) Response {
	result, err := s.execute(ctx, c, req.Action, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: toErrorBody(err)}
	}
	return Response{ID: req.ID, Result: result}
}

func toErrorBody(err error) *ErrorBody {
	switch {
	case errors.Is(err, ocpp.ErrNoConnection):
		return &ErrorBody{Code: "NoConnection", Message: err.Error()}
	case errors.Is(err, errBadParams):
		return &ErrorBody{Code: "BadRequest", Message: err.Error()}
	case errors.Is(err, errNotFound):
		return &ErrorBody{Code: "NotFound", Message: err.Error()}
	case errors.Is(err, errUnknownAction):
		return &ErrorBody{Code: "UnknownAction", Message: err.Error()}
	default:
		return &ErrorBody{Code: "Internal", Message: err.Error()}
	}
}

var (
	errBadParams     = errors.New("invalid params")
	errNotFound      = errors.New("not found")
	errUnknownAction = errors.New("unknown action")
)

type targetParams struct {
	DeviceID      string `json:"deviceId"`
	ConnectorID   int    `json:"connectorId"`
	IdTag         string `json:"idTag"`
	TransactionID string `json:"transactionId"`
}

func (s *Server) execute(ctx context.Context, c *client, action string, params json.RawMessage) (interface{}, error) {
	switch action {
	case "startCharging":
		var p targetParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.coordinator.StartCharging(ctx, p.DeviceID, p.ConnectorID, p.IdTag)

	case "stopCharging":
		var p targetParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		transactionID := p.TransactionID
		if transactionID == "" {
			connectorID := p.ConnectorID
			if connectorID <= 0 {
				connectorID = 1
			}
			connector, ok := s.store.Get(p.DeviceID, connectorID)
			if !ok || connector.TransactionID == "" {
				return nil, errors.Join(errNotFound, errors.New("no active transaction on connector"))
			}
			transactionID = connector.TransactionID
		}
		return s.coordinator.StopCharging(ctx, p.DeviceID, p.ConnectorID, transactionID)

	case "getStatus":
		var p targetParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"deviceId":   p.DeviceID,
			"connected":  s.reg.IsActive(p.DeviceID, 0),
			"connectors": s.store.Snapshot(p.DeviceID),
		}, nil

	case "listDevices":
		return map[string]interface{}{"devices": s.reg.DeviceIDs()}, nil

	case "recentTransactions":
		return map[string]interface{}{"transactions": s.ledger.Recent()}, nil

	case "reserve":
		var p struct {
			targetParams
			ExpiryDate time.Time `json:"expiryDate"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		expiry := p.ExpiryDate
		if expiry.IsZero() {
			expiry = time.Now().UTC().Add(defaultReservationWindow)
		}
		reservationID := int(s.reservationSeq.Add(1))
		if _, err := s.sender.ReserveNow(p.DeviceID, p.ConnectorID, reservationID, p.IdTag, expiry); err != nil {
			return nil, err
		}
		s.store.Reserve(p.DeviceID, p.ConnectorID, reservationID, expiry)
		return map[string]interface{}{"reservationId": reservationID, "reservedUntil": expiry}, nil

	case "cancelReservation":
		var p struct {
			DeviceID      string `json:"deviceId"`
			ReservationID int    `json:"reservationId"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if _, err := s.sender.CancelReservation(p.DeviceID, p.ReservationID); err != nil {
			return nil, err
		}
		cancelled := s.store.CancelReservation(p.DeviceID, p.ReservationID)
		return map[string]interface{}{"cancelled": cancelled}, nil

	case "changeAvailability":
		var p struct {
			DeviceID    string `json:"deviceId"`
			ConnectorID int    `json:"connectorId"`
			Type        string `json:"type"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Type != protocol.AvailabilityOperative && p.Type != protocol.AvailabilityInoperative {
			return nil, errors.Join(errBadParams, errors.New("type must be Operative or Inoperative"))
		}
		if _, err := s.sender.ChangeAvailability(p.DeviceID, p.ConnectorID, p.Type); err != nil {
			return nil, err
		}
		connector := s.store.SetAvailability(p.DeviceID, p.ConnectorID, p.Type == protocol.AvailabilityOperative)
		return map[string]interface{}{"status": connector.Status}, nil

	case "changeConfiguration":
		var p struct {
			DeviceID string `json:"deviceId"`
			Key      string `json:"key"`
			Value    string `json:"value"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		uniqueID, err := s.sender.ChangeConfiguration(p.DeviceID, p.Key, p.Value)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"uniqueId": uniqueID}, nil

	case "sendCommand":
		var p struct {
			DeviceID string          `json:"deviceId"`
			Action   string          `json:"action"`
			Payload  json.RawMessage `json:"payload"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		uniqueID, err := s.sender.Send(p.DeviceID, p.Action, p.Payload)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"uniqueId": uniqueID}, nil

	case "subscribe":
		var p struct {
			DeviceID string   `json:"deviceId"`
			Types    []string `json:"types"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if c.sub != nil {
			s.bus.Unsubscribe(c.sub)
			<-c.pumpDone
		}
		c.sub = s.bus.Subscribe(p.DeviceID, p.Types, 128)
		c.pumpDone = make(chan struct{})
		go s.pumpEvents(c)
		return map[string]interface{}{"subscribed": true}, nil

	case "unsubscribe":
		if c.sub != nil {
			s.bus.Unsubscribe(c.sub)
			<-c.pumpDone
			c.sub = nil
		}
		return map[string]interface{}{"subscribed": false}, nil

	case "replay":
		var p struct {
			AfterID        string    `json:"afterId"`
			AfterTimestamp time.Time `json:"afterTimestamp"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		var replayed []events.Event
		if p.AfterID != "" {
			replayed = s.bus.ReplaySinceID(p.AfterID)
		} else {
			replayed = s.bus.ReplayAfter(p.AfterTimestamp)
		}
		return map[string]interface{}{"events": replayed}, nil

	default:
		return nil, errors.Join(errUnknownAction, errors.New(action))
	}
}

func (s *Server) pumpEvents(c *client) {
	defer close(c.pumpDone)
	for evt := range c.sub.C() {
		if err := c.write(eventPush{Event: evt}); err != nil {
			return
		}
	}
}

func decodeParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return errors.Join(errBadParams, err)
	}
	return nil
}
