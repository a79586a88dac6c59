package ws

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"voltcore/internal/events"
	"voltcore/internal/ocpp"
	"voltcore/internal/registry"
)

// echoProcessor answers every frame with a fixed call result.
type echoProcessor struct {
	mu       sync.Mutex
	received [][]byte
	response []byte
}

func (p *echoProcessor) Process(ctx context.Context, deviceID string, raw []byte, format ocpp.WireFormat) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(raw))
	copy(buf, raw)
	p.received = append(p.received, buf)
	return p.response, nil
}

func (p *echoProcessor) receivedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestServer(t *testing.T, creds Credentials) (*httptest.Server, *registry.Registry, *events.Bus, *echoProcessor) {
	t.Helper()
	reg := registry.New()
	bus := events.NewBus(0)
	processor := &echoProcessor{response: []byte(`[3,"uid-1",{}]`)}
	server := NewServer(reg, processor, bus, creds, time.Second, 50*time.Millisecond, zap.NewNop())

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	t.Cleanup(ts.Close)
	return ts, reg, bus, processor
}

func wsURL(ts *httptest.Server, deviceID string) string {
	url := strings.Replace(ts.URL, "http://", "ws://", 1)
	if deviceID == "" {
		return url
	}
	return url + "?chargeBoxIdentity=" + deviceID
}

func TestDeviceConnectProcessDisconnect(t *testing.T) {
	ts, reg, bus, processor := newTestServer(t, Credentials{})
	sub := bus.Subscribe("", []string{events.TypeDeviceConnected, events.TypeDeviceDisconnected}, 8)
	defer bus.Unsubscribe(sub)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "station-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, time.Second, func() bool { return reg.Count() == 1 })
	evt := <-sub.C()
	if evt.Type != events.TypeDeviceConnected || evt.DeviceID != "station-1" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`[2,"uid-1","Heartbeat",{}]`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, response, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(response) != `[3,"uid-1",{}]` {
		t.Fatalf("unexpected response: %s", response)
	}
	if processor.receivedCount() != 1 {
		t.Fatalf("expected 1 processed frame, got %d", processor.receivedCount())
	}

	conn.Close()
	waitFor(t, time.Second, func() bool { return reg.Count() == 0 })
	evt = <-sub.C()
	if evt.Type != events.TypeDeviceDisconnected || evt.DeviceID != "station-1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestMissingIdentityRejected(t *testing.T) {
	ts, reg, _, _ := newTestServer(t, Credentials{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err == nil {
		t.Fatalf("expected handshake failure without chargeBoxIdentity")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
	if reg.Count() != 0 {
		t.Fatalf("no device may be registered")
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ts, reg, _, _ := newTestServer(t, Credentials{User: "charge-point", SecretHash: string(hash)})

	// No credentials: rejected before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "station-1"), nil)
	if err == nil {
		t.Fatalf("expected handshake failure without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	// Correct credentials connect.
	header := http.Header{}
	header.Set("Authorization", "Basic "+basicAuth("charge-point", "s3cret"))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "station-1"), header)
	if err != nil {
		t.Fatalf("dial with credentials: %v", err)
	}
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return reg.Count() == 1 })
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func TestFailedAuthLeavesLiveSessionAlone(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ts, reg, _, _ := newTestServer(t, Credentials{User: "charge-point", SecretHash: string(hash)})

	header := http.Header{}
	header.Set("Authorization", "Basic "+basicAuth("charge-point", "s3cret"))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "station-1"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return reg.Count() == 1 })

	// A plain request with bad credentials for the same identity is rejected
	// without touching the registered session.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"?chargeBoxIdentity=station-1", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Basic "+basicAuth("charge-point", "wrong"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	if reg.Count() != 1 {
		t.Fatalf("live session removed, registry count %d", reg.Count())
	}
	if _, ok := reg.Get("station-1"); !ok {
		t.Fatalf("live session handle dropped")
	}

	// The authenticated connection still works.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`[2,"uid-1","Heartbeat",{}]`)); err != nil {
		t.Fatalf("write on live connection: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read on live connection: %v", err)
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	ts, reg, _, _ := newTestServer(t, Credentials{})

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "station-1"), nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()
	waitFor(t, time.Second, func() bool { return reg.Count() == 1 })

	second, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "station-1"), nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	// The replaced transport is closed server-side; the identity stays
	// registered through the handover.
	waitFor(t, time.Second, func() bool {
		_, _, err := first.ReadMessage()
		return err != nil
	})
	if reg.Count() != 1 {
		t.Fatalf("expected exactly 1 registered device, got %d", reg.Count())
	}

	// The surviving connection still works.
	if err := second.WriteMessage(websocket.TextMessage, []byte(`[2,"uid-2","Heartbeat",{}]`)); err != nil {
		t.Fatalf("write on second connection: %v", err)
	}
	if _, _, err := second.ReadMessage(); err != nil {
		t.Fatalf("read on second connection: %v", err)
	}
}

// formatSwitchingProcessor flips the device to the binary format while
// handling the first frame, the way a BootNotification negotiation does.
type formatSwitchingProcessor struct {
	reg      *registry.Registry
	response []byte
}

func (p *formatSwitchingProcessor) Process(ctx context.Context, deviceID string, raw []byte, format ocpp.WireFormat) ([]byte, error) {
	p.reg.SetFormat(deviceID, ocpp.WireFormatBinary)
	return p.response, nil
}

func TestResponseFrameTypeMatchesEncodingFormat(t *testing.T) {
	reg := registry.New()
	bus := events.NewBus(0)
	processor := &formatSwitchingProcessor{reg: reg, response: []byte(`[3,"uid-1",{}]`)}
	server := NewServer(reg, processor, bus, Credentials{}, time.Second, 50*time.Millisecond, zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "station-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return reg.Count() == 1 })

	// The first frame is received under json; its response was encoded before
	// the switch and must arrive as a text frame even though the device is on
	// binary by the time the write happens.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`[2,"uid-1","BootNotification",{}]`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msgType, _, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read first response: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("first response frame type = %d, want text", msgType)
	}

	// Frames after the switch are answered in binary frames.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte(`ignored`)); err != nil {
		t.Fatalf("write second frame: %v", err)
	}
	msgType, _, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read second response: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("second response frame type = %d, want binary", msgType)
	}
}
