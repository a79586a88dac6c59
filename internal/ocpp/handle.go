package ocpp

// Handle is the write side of one device's transport connection. The registry
// owns the handle exclusively while the device is connected.
type Handle interface {
	Send(data []byte) error
	Close() error
}
