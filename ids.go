package relay

import (
	"fmt"

	"github.com/raskyld/relay/pkg/remote"
)

// MessageID identifies a request, response, broadcast or attribute of an
// interface. The numeric range is split in disjoint bands so the category
// of an id is known from its value alone.
type MessageID uint32

const (
	MsgInvalid MessageID = 0

	MsgRequestFirst   MessageID = 0x00000001
	MsgRequestLast    MessageID = 0x00003FFF
	MsgResponseFirst  MessageID = 0x00004000
	MsgResponseLast   MessageID = 0x00005FFF
	MsgBroadcastFirst MessageID = 0x00006000
	MsgBroadcastLast  MessageID = 0x00007FFF
	MsgAttributeFirst MessageID = 0x00008000
	MsgAttributeLast  MessageID = 0x0000BFFF
	MsgReservedFirst  MessageID = 0x0000C000

	// MsgRemoveAllNotify is the id carried by the notify request a proxy
	// sends when it goes away.
	MsgRemoveAllNotify MessageID = MsgReservedFirst
)

type MessageCategory uint8

const (
	CategoryInvalid MessageCategory = iota
	CategoryRequest
	CategoryResponse
	CategoryBroadcast
	CategoryAttribute
	CategoryReserved
)

func (c MessageCategory) String() string {
	switch c {
	case CategoryRequest:
		return "request"
	case CategoryResponse:
		return "response"
	case CategoryBroadcast:
		return "broadcast"
	case CategoryAttribute:
		return "attribute"
	case CategoryReserved:
		return "reserved"
	default:
		return "invalid"
	}
}

func (id MessageID) Category() MessageCategory {
	switch {
	case id == MsgInvalid:
		return CategoryInvalid
	case id <= MsgRequestLast:
		return CategoryRequest
	case id <= MsgResponseLast:
		return CategoryResponse
	case id <= MsgBroadcastLast:
		return CategoryBroadcast
	case id <= MsgAttributeLast:
		return CategoryAttribute
	default:
		return CategoryReserved
	}
}

func (id MessageID) IsRequest() bool { return id.Category() == CategoryRequest }
func (id MessageID) IsResponse() bool { return id.Category() == CategoryResponse }
func (id MessageID) IsBroadcast() bool { return id.Category() == CategoryBroadcast }
func (id MessageID) IsAttribute() bool { return id.Category() == CategoryAttribute }

// IsNotifiable tells whether a proxy can subscribe to the id.
func (id MessageID) IsNotifiable() bool {
	switch id.Category() {
	case CategoryResponse, CategoryBroadcast, CategoryAttribute:
		return true
	}
	return false
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s(%#x)", id.Category(), uint32(id))
}

// SequenceNr correlates a response with the request which caused it.
type SequenceNr uint32

const (
	// SeqNotify marks an unsolicited notification.
	SeqNotify SequenceNr = 0
	// SeqFirst is the first sequence number given by a proxy.
	SeqFirst SequenceNr = 1
	// SeqAny means no correlation at all.
	SeqAny SequenceNr = SequenceNr(remote.SeqIgnore)
)

// ResultType is the outcome carried by a response event.
type ResultType uint32

const (
	ResultNotProcessed ResultType = iota
	ResultOK
	ResultDataOK
	ResultDataInvalid
	ResultInvalid
	ResultRequestError
	ResultRequestBusy
	ResultRequestCanceled
	ResultMessageUndelivered
)

// IsValid is false for values peers may send but this version does not
// know about.
func (r ResultType) IsValid() bool {
	return r <= ResultMessageUndelivered
}

// IsRequestFailure is true for results answering a request which was not
// processed normally.
func (r ResultType) IsRequestFailure() bool {
	switch r {
	case ResultRequestError, ResultRequestBusy, ResultRequestCanceled, ResultMessageUndelivered:
		return true
	}
	return false
}

func (r ResultType) String() string {
	switch r {
	case ResultNotProcessed:
		return "not_processed"
	case ResultOK:
		return "ok"
	case ResultDataOK:
		return "data_ok"
	case ResultDataInvalid:
		return "data_invalid"
	case ResultInvalid:
		return "invalid"
	case ResultRequestError:
		return "request_error"
	case ResultRequestBusy:
		return "request_busy"
	case ResultRequestCanceled:
		return "request_canceled"
	case ResultMessageUndelivered:
		return "message_undelivered"
	default:
		return fmt.Sprintf("unrecognized(%d)", uint32(r))
	}
}

// DataState is the validity of a value cached by a proxy.
type DataState uint8

const (
	DataUnavailable DataState = iota
	DataInvalid
	DataOK
)

func (s DataState) String() string {
	switch s {
	case DataInvalid:
		return "invalid"
	case DataOK:
		return "ok"
	default:
		return "unavailable"
	}
}

type NotifyType uint8

const (
	StartNotify NotifyType = iota
	StopNotify
	RemoveAllNotify
)

func (n NotifyType) String() string {
	switch n {
	case StartNotify:
		return "start"
	case StopNotify:
		return "stop"
	case RemoveAllNotify:
		return "remove_all"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(n))
	}
}

type ConnectionStatus uint8

const (
	Disconnected ConnectionStatus = iota
	Connected
)

func (s ConnectionStatus) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}
