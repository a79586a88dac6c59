// Package schema validates OCPP payloads against typed request definitions.
// It backs the validate(payload, schemaName) contract consumed by the router.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"voltcore/internal/ocpp/protocol"
)

// Result is the validation verdict for one payload.
type Result struct {
	Valid  bool
	Errors []string
}

// FirstError returns the first failure message, or "".
func (r Result) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0]
}

// Validator checks payloads against registered schemas by name
// (e.g. "StartTransactionRequest").
type Validator struct {
	validate *validator.Validate
	schemas  map[string]func() interface{}
}

// New returns a validator with all protocol request schemas registered.
func New() *Validator {
	v := &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		schemas:  make(map[string]func() interface{}),
	}

	v.Register(protocol.ActionBootNotification+"Request", func() interface{} { return &protocol.BootNotificationRequest{} })
	v.Register(protocol.ActionHeartbeat+"Request", func() interface{} { return &protocol.HeartbeatRequest{} })
	v.Register(protocol.ActionAuthorize+"Request", func() interface{} { return &protocol.AuthorizeRequest{} })
	v.Register(protocol.ActionStatusNotification+"Request", func() interface{} { return &protocol.StatusNotificationRequest{} })
	v.Register(protocol.ActionStartTransaction+"Request", func() interface{} { return &protocol.StartTransactionRequest{} })
	v.Register(protocol.ActionStopTransaction+"Request", func() interface{} { return &protocol.StopTransactionRequest{} })
	v.Register(protocol.ActionMeterValues+"Request", func() interface{} { return &protocol.MeterValuesRequest{} })

	return v
}

// Register attaches a schema factory to a name.
func (v *Validator) Register(name string, factory func() interface{}) {
	v.schemas[name] = factory
}

// Validate checks the payload against the named schema. Payloads for unknown
// schemas pass: the router resolves unknown actions as NotImplemented, not as
// malformed input.
func (v *Validator) Validate(payload json.RawMessage, schemaName string) Result {
	factory, ok := v.schemas[schemaName]
	if !ok {
		return Result{Valid: true}
	}

	target := factory()
	if err := json.Unmarshal(payload, target); err != nil {
		return Result{Errors: []string{fmt.Sprintf("payload does not match %s: %v", schemaName, err)}}
	}

	if err := v.validate.Struct(target); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("field %s fails %s constraint", fe.Field(), fe.Tag()))
			}
			return Result{Errors: msgs}
		}
		return Result{Errors: []string{err.Error()}}
	}

	return Result{Valid: true}
}
