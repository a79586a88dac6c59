// Package ws carries the device-facing websocket transport: one long-lived
// duplex connection per charge point.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voltcore/internal/ocpp"
)

// MessageProcessor handles raw OCPP frames.
type MessageProcessor interface {
	Process(ctx context.Context, deviceID string, raw []byte, format ocpp.WireFormat) ([]byte, error)
}

// FormatSource yields the device's current negotiated wire format.
type FormatSource interface {
	Format(deviceID string) ocpp.WireFormat
}

// outboundFrame pairs queued bytes with the websocket frame type of the
// format they were encoded in, so a format switch between encode and write
// cannot mislabel them.
type outboundFrame struct {
	msgType int
	data    []byte
}

// Connection wraps one device's websocket. It implements ocpp.Handle so the
// registry and remote command sender can write to it.
type Connection struct {
	deviceID     string
	ws           *websocket.Conn
	send         chan outboundFrame
	logger       *zap.Logger
	processor    MessageProcessor
	formats      FormatSource
	writeTimeout time.Duration
	pingInterval time.Duration
	onClose      func(c *Connection)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection builds a connection wrapper.
func NewConnection(
	deviceID string,
	ws *websocket.Conn,
	processor MessageProcessor,
	formats FormatSource,
	writeTimeout, pingInterval time.Duration,
	logger *zap.Logger,
	onClose func(c *Connection),
) *Connection {
	return &Connection{
		deviceID:     deviceID,
		ws:           ws,
		send:         make(chan outboundFrame, 16),
		logger:       logger,
		processor:    processor,
		formats:      formats,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		onClose:      onClose,
		closed:       make(chan struct{}),
	}
}

// DeviceID returns the charge point identity.
func (c *Connection) DeviceID() string {
	return c.deviceID
}

// Start launches the write pump and runs the read pump until the connection
// dies. Frames from one device are processed strictly in receipt order: the
// read pump runs each message to completion before reading the next.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.teardown()
	c.ws.SetReadLimit(1024 * 1024)

	// The liveness probe: a device that answers no ping within one interval
	// (plus write slack) hits the read deadline and is torn down.
	deadline := c.pingInterval + c.writeTimeout
	c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, message, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Info("device connection closed",
				zap.String("device_id", c.deviceID),
				zap.Error(err))
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		c.ws.SetReadDeadline(time.Now().Add(deadline))

		format := c.formats.Format(c.deviceID)
		response, err := c.processor.Process(ctx, c.deviceID, message, format)
		if err != nil {
			// Encoding a response failed; this connection is no longer
			// trustworthy. Only this device session dies.
			c.logger.Error("unrecoverable processing failure",
				zap.String("device_id", c.deviceID),
				zap.Error(err))
			return
		}
		if response != nil {
			if err := c.sendAs(format, response); err != nil {
				c.logger.Warn("response dropped",
					zap.String("device_id", c.deviceID),
					zap.Error(err))
			}
		}
	}
}

func (c *Connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case out := <-c.send:
			if err := c.write(out.msgType, out.data); err != nil {
				c.logger.Warn("write failed, closing connection",
					zap.String("device_id", c.deviceID),
					zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// Send enqueues a frame for the write pump under the device's current
// negotiated format. Implements ocpp.Handle.
func (c *Connection) Send(msg []byte) error {
	return c.sendAs(c.formats.Format(c.deviceID), msg)
}

// sendAs enqueues a frame labelled with the format it was encoded in.
func (c *Connection) sendAs(format ocpp.WireFormat, msg []byte) error {
	out := outboundFrame{msgType: websocket.TextMessage, data: msg}
	if format == ocpp.WireFormatBinary {
		out.msgType = websocket.BinaryMessage
	}
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- out:
		return nil
	default:
		c.logger.Warn("outgoing buffer full, dropping frame",
			zap.String("device_id", c.deviceID))
		return errBufferFull
	}
}

var errBufferFull = &websocket.CloseError{Code: websocket.CloseTryAgainLater, Text: "outgoing buffer full"}

// Close terminates the transport. Implements ocpp.Handle. Safe to call more
// than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Connection) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) teardown() {
	_ = c.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
}
