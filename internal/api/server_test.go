package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltcore/internal/events"
	"voltcore/internal/ocpp"
	"voltcore/internal/registry"
	"voltcore/internal/session"
	"voltcore/internal/state"
)

type deviceHandle struct{}

func (deviceHandle) Send(data []byte) error { return nil }
func (deviceHandle) Close() error           { return nil }

type testEnv struct {
	server *Server
	reg    *registry.Registry
	store  *state.Store
	bus    *events.Bus
	ledger *session.Ledger
}

func newTestEnv(t *testing.T, secret string) (*httptest.Server, *testEnv) {
	t.Helper()
	reg := registry.New()
	bus := events.NewBus(0)
	store := state.NewStore()
	ledger := session.NewLedger(nil, 0.1, 22, zap.NewNop())
	pending := ocpp.NewPendingLedger()
	sender := ocpp.NewSender(reg, pending, ocpp.NewCodec(), zap.NewNop())
	coordinator := NewCoordinator(sender, bus, 50*time.Millisecond, zap.NewNop())

	server := NewServer(NewAuthenticator(secret), coordinator, sender, store, reg, ledger, bus, zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	t.Cleanup(ts.Close)

	return ts, &testEnv{server: server, reg: reg, store: store, bus: bus, ledger: ledger}
}

func dialAPI(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http://", "ws://", 1)
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial api: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req Request) Response {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestStartChargingTimesOutWithoutDeviceConfirmation(t *testing.T) {
	ts, env := newTestEnv(t, "")
	env.reg.Add("station-1", deviceHandle{})
	conn := dialAPI(t, ts, "")

	resp := roundTrip(t, conn, Request{
		ID:     "req-1",
		Action: "startCharging",
		Params: json.RawMessage(`{"deviceId":"station-1","connectorId":1,"idTag":"tag-1"}`),
	})
	if resp.ID != "req-1" || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}

	result := resp.Result.(map[string]interface{})
	if result["status"] != StatusPendingTimeout {
		t.Fatalf("expected PendingTimeout without device confirmation, got %v", result["status"])
	}
	if result["correlationId"] == "" {
		t.Fatalf("expected a correlation id")
	}
}

func TestStartChargingNoConnection(t *testing.T) {
	ts, _ := newTestEnv(t, "")
	conn := dialAPI(t, ts, "")

	resp := roundTrip(t, conn, Request{
		ID:     "req-1",
		Action: "startCharging",
		Params: json.RawMessage(`{"deviceId":"station-gone","connectorId":1,"idTag":"tag-1"}`),
	})
	if resp.Error == nil || resp.Error.Code != "NoConnection" {
		t.Fatalf("expected NoConnection error, got %+v", resp)
	}
}

func TestStopChargingWithoutActiveTransaction(t *testing.T) {
	ts, env := newTestEnv(t, "")
	env.reg.Add("station-1", deviceHandle{})
	conn := dialAPI(t, ts, "")

	resp := roundTrip(t, conn, Request{
		ID:     "req-1",
		Action: "stopCharging",
		Params: json.RawMessage(`{"deviceId":"station-1","connectorId":1}`),
	})
	if resp.Error == nil || resp.Error.Code != "NotFound" {
		t.Fatalf("expected NotFound for idle connector, got %+v", resp)
	}
}

func TestGetStatusAndListDevices(t *testing.T) {
	ts, env := newTestEnv(t, "")
	env.reg.Add("station-1", deviceHandle{})
	env.store.SetStatus("station-1", 1, "Charging", "")
	conn := dialAPI(t, ts, "")

	resp := roundTrip(t, conn, Request{ID: "req-1", Action: "listDevices"})
	devices := resp.Result.(map[string]interface{})["devices"].([]interface{})
	if len(devices) != 1 || devices[0] != "station-1" {
		t.Fatalf("unexpected device list: %v", devices)
	}

	resp = roundTrip(t, conn, Request{
		ID:     "req-2",
		Action: "getStatus",
		Params: json.RawMessage(`{"deviceId":"station-1"}`),
	})
	result := resp.Result.(map[string]interface{})
	if result["connected"] != true {
		t.Fatalf("expected connected device, got %v", result)
	}
	connectors := result["connectors"].(map[string]interface{})
	c1 := connectors["1"].(map[string]interface{})
	if c1["status"] != "Charging" {
		t.Fatalf("unexpected connector state: %v", c1)
	}
}

func TestReserveAssignsIDAndMarksConnector(t *testing.T) {
	ts, env := newTestEnv(t, "")
	env.reg.Add("station-1", deviceHandle{})
	conn := dialAPI(t, ts, "")

	resp := roundTrip(t, conn, Request{
		ID:     "req-1",
		Action: "reserve",
		Params: json.RawMessage(`{"deviceId":"station-1","connectorId":2,"idTag":"tag-1"}`),
	})
	if resp.Error != nil {
		t.Fatalf("reserve failed: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["reservationId"] == nil {
		t.Fatalf("expected a reservation id")
	}

	c, ok := env.store.Get("station-1", 2)
	if !ok || c.Status != "Reserved" {
		t.Fatalf("expected connector Reserved, got %+v", c)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	ts, env := newTestEnv(t, "")
	conn := dialAPI(t, ts, "")

	resp := roundTrip(t, conn, Request{
		ID:     "req-1",
		Action: "subscribe",
		Params: json.RawMessage(`{"deviceId":"station-1","types":["status.changed"]}`),
	})
	if resp.Error != nil {
		t.Fatalf("subscribe failed: %+v", resp.Error)
	}

	env.bus.Publish(events.TypeStatusChanged, "station-1", map[string]string{"status": "Charging"})
	// A non-matching event must not reach this client.
	env.bus.Publish(events.TypeStatusChanged, "station-2", nil)

	var push eventPush
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&push); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if push.Event.Type != events.TypeStatusChanged || push.Event.DeviceID != "station-1" {
		t.Fatalf("unexpected event: %+v", push.Event)
	}
}

func TestUnknownActionAndBadParams(t *testing.T) {
	ts, _ := newTestEnv(t, "")
	conn := dialAPI(t, ts, "")

	resp := roundTrip(t, conn, Request{ID: "req-1", Action: "rebootUniverse"})
	if resp.Error == nil || resp.Error.Code != "UnknownAction" {
		t.Fatalf("expected UnknownAction, got %+v", resp)
	}

	resp = roundTrip(t, conn, Request{
		ID:     "req-2",
		Action: "startCharging",
		Params: json.RawMessage(`"not an object"`),
	})
	if resp.Error == nil || resp.Error.Code != "BadRequest" {
		t.Fatalf("expected BadRequest, got %+v", resp)
	}
}

func TestRejectsInvalidToken(t *testing.T) {
	ts, _ := newTestEnv(t, "api-secret")

	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "?token=forged"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure for invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}
