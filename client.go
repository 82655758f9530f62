package relay

import (
	"log/slog"

	"github.com/raskyld/relay/pkg/remote"
)

// Client is the user side of a `Proxy`: generated code implements it to
// turn notifications into typed callbacks.
//
// Every method is called on the thread of the proxy. Clients are used as
// map keys so their dynamic type MUST be comparable, use pointers.
type Client interface {
	// ServiceConnected is called when the stub becomes reachable, and once
	// when it stops being reachable.
	ServiceConnected(status ConnectionStatus, proxy *Proxy)
	// ProcessNotification is called for responses to requests the client
	// sent and for every id it subscribed to.
	ProcessNotification(n Notification)
}

// Notification is what a `Client` receives for a response, a broadcast, an
// attribute update or a failed request.
//
// For failures, `MessageID` is the id of the failed request.
type Notification struct {
	MessageID MessageID
	Result    ResultType
	Sequence  SequenceNr
	State     DataState
	Proxy     *Proxy

	data *remote.Message
}

// Args returns a reader on the payload. It is only valid during the call
// to `ProcessNotification`.
func (n Notification) Args() *remote.Reader {
	if n.data == nil {
		return remote.NewReader(nil)
	}
	return n.data.Reader()
}

// Data returns the payload, nil when there is none. Call `Share` to keep
// it past `ProcessNotification`.
func (n Notification) Data() *remote.Message {
	return n.data
}

// ClientBase logs every notification as not implemented. Embed it in your
// client and override what you need.
type ClientBase struct {
	Logger *slog.Logger
}

func (cb *ClientBase) log() *slog.Logger {
	if cb.Logger == nil {
		return slog.Default()
	}
	return cb.Logger
}

func (cb *ClientBase) ServiceConnected(status ConnectionStatus, proxy *Proxy) {
	cb.log().Warn(
		"not implemented: ServiceConnected",
		"status", status.String(),
		LabelAddress.L(proxy.Address()),
	)
}

func (cb *ClientBase) ProcessNotification(n Notification) {
	cb.log().Warn(
		"not implemented: ProcessNotification",
		LabelMessageID.L(n.MessageID),
		LabelResult.L(n.Result.String()),
		LabelSequence.L(n.Sequence),
	)
}
