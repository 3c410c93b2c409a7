// Package message defines the envelope exchanged between comm client and comm server.
//
// An Envelope is the unit of every call and every reply. It gets serialized by the codec
// layer and wrapped in a protocol frame for transmission:
//
//	call:  FunctionID + ObjectID select the target, Body carries the packed arguments
//	reply: Status reports the outcome, Body carries the packed result when Status == OK
//
// Properties carry cross-cutting metadata (auth token, command id, cancel flag)
// independent of the typed payload.
package message

import "sort"

// FunctionID identifies one exported method inside an interface's dispatch table.
type FunctionID uint32

// ObjectID is the server-assigned handle of one live exported object. 0 means none/global.
type ObjectID uint64

// Reserved function ids. Ids of exported methods start at FirstUserFunction and are
// assigned in registration order.
const (
	CreateObject      FunctionID = 0
	DestroyObject     FunctionID = 1
	FirstUserFunction FunctionID = 2
)

// NoObject addresses the server itself (object construction).
const NoObject ObjectID = 0

// Well-known property keys.
const (
	PropAuthToken = "authtoken"
	PropSignature = "signature"
	PropCommandID = "command_id"
	PropCancel    = "cancel"
	PropError     = "error"
	PropControl   = "control"
	PropStatus    = "status"
)

// Control operations, carried in the PropControl property of control frames.
const (
	ControlCancel      = "cancel"       // cancel the command named by PropCommandID
	ControlSubscribe   = "subscribe"    // start receiving status frames
	ControlUnsubscribe = "unsubscribe"  // stop receiving status frames
	ControlSyncObjects = "sync_objects" // body = packed []ObjectID still held by the client
)

// Status publication kinds, carried in the PropStatus property of status frames.
const (
	StatusInfo  = "COMM_SERVER_INFO"
	StatusError = "COMM_SERVER_ERROR"
)

// Properties is a string bag attached to every envelope. Keys are emitted in sorted order.
type Properties map[string]string

// Get returns the value of key and whether it is present. Safe on a nil bag.
func (p Properties) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// Keys returns the property keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Envelope carries a single call or reply.
type Envelope struct {
	FunctionID FunctionID
	ObjectID   ObjectID
	Properties Properties
	Body       []byte
	Status     Status // Only meaningful on replies
}

// SetProperty stores key=value, allocating the bag on first use.
func (e *Envelope) SetProperty(key, value string) {
	if e.Properties == nil {
		e.Properties = make(Properties)
	}
	e.Properties[key] = value
}

// Property returns the value stored under key, or "" if absent.
func (e *Envelope) Property(key string) string {
	return e.Properties[key]
}

// Reply builds an empty reply envelope for e with the given status.
func (e *Envelope) Reply(status Status) *Envelope {
	return &Envelope{
		FunctionID: e.FunctionID,
		ObjectID:   e.ObjectID,
		Status:     status,
	}
}

// Fail builds a reply carrying status and an error message.
func (e *Envelope) Fail(status Status, msg string) *Envelope {
	rep := e.Reply(status)
	rep.SetProperty(PropError, msg)
	return rep
}

// Err converts a reply into an error. It returns nil when the status is OK.
func (e *Envelope) Err() error {
	if e.Status == StatusOK {
		return nil
	}
	msg := e.Property(PropError)
	if msg == "" {
		msg = e.Status.String()
	}
	return &Error{Status: e.Status, Message: msg}
}
