package relay

import (
	"fmt"
	"slices"
)

// Version of an interface. Proxies and stubs only talk to each other when
// their major versions match.
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// InterfaceSpec is what code generators emit to describe an interface.
type InterfaceSpec struct {
	Name    string
	Version Version

	Requests []MessageID
	// RequestResponses is index-aligned with Requests: the response
	// answering each request, `MsgInvalid` for fire-and-forget requests.
	RequestResponses []MessageID

	Responses  []MessageID
	Broadcasts []MessageID
	Attributes []MessageID
}

// Interface is the immutable metadata of a service interface shared by its
// proxies and stubs.
type Interface struct {
	name    string
	version Version

	requests   []MessageID
	responses  []MessageID
	broadcasts []MessageID
	attributes []MessageID

	reqToResp map[MessageID]MessageID
	known     map[MessageID]MessageCategory
}

// NewInterface validates the id tables and builds the metadata.
func NewInterface(spec InterfaceSpec) (*Interface, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInterface)
	}
	if len(spec.RequestResponses) != len(spec.Requests) {
		return nil, fmt.Errorf(
			"%w: %d requests but %d request/response mappings",
			ErrInterface, len(spec.Requests), len(spec.RequestResponses),
		)
	}

	iface := &Interface{
		name:       spec.Name,
		version:    spec.Version,
		requests:   slices.Clone(spec.Requests),
		responses:  slices.Clone(spec.Responses),
		broadcasts: slices.Clone(spec.Broadcasts),
		attributes: slices.Clone(spec.Attributes),
		reqToResp:  make(map[MessageID]MessageID, len(spec.Requests)),
		known:      make(map[MessageID]MessageCategory),
	}

	groups := []struct {
		ids []MessageID
		cat MessageCategory
	}{
		{iface.requests, CategoryRequest},
		{iface.responses, CategoryResponse},
		{iface.broadcasts, CategoryBroadcast},
		{iface.attributes, CategoryAttribute},
	}
	for _, group := range groups {
		for _, id := range group.ids {
			if id.Category() != group.cat {
				return nil, fmt.Errorf("%w: %s declared as a %s", ErrInterface, id, group.cat)
			}
			if _, dup := iface.known[id]; dup {
				return nil, fmt.Errorf("%w: %s declared twice", ErrInterface, id)
			}
			iface.known[id] = group.cat
		}
	}

	for i, req := range iface.requests {
		resp := spec.RequestResponses[i]
		if resp != MsgInvalid && iface.known[resp] != CategoryResponse {
			return nil, fmt.Errorf("%w: %s answers with undeclared %s", ErrInterface, req, resp)
		}
		iface.reqToResp[req] = resp
	}

	return iface, nil
}

// MustInterface is `NewInterface` panicking on invalid metadata, for
// generated code.
func MustInterface(spec InterfaceSpec) *Interface {
	iface, err := NewInterface(spec)
	if err != nil {
		panic(err)
	}
	return iface
}

func (i *Interface) Name() string { return i.name }
func (i *Interface) Version() Version { return i.version }

// Compatible tells whether a proxy built on `i` may talk to a stub built on
// `other`.
func (i *Interface) Compatible(other *Interface) bool {
	return i.name == other.name && i.version.Major == other.version.Major
}

// Has tells whether the id is declared by the interface.
func (i *Interface) Has(id MessageID) bool {
	_, ok := i.known[id]
	return ok
}

// ResponseFor returns the response answering `req`, `MsgInvalid` when the
// request is fire-and-forget or unknown.
func (i *Interface) ResponseFor(req MessageID) MessageID {
	return i.reqToResp[req]
}

// RequestFor returns the first request answered by `resp`.
func (i *Interface) RequestFor(resp MessageID) MessageID {
	if resp == MsgInvalid {
		return MsgInvalid
	}
	for _, req := range i.requests {
		if i.reqToResp[req] == resp {
			return req
		}
	}
	return MsgInvalid
}

// RequestsFor returns every request answered by `resp`.
func (i *Interface) RequestsFor(resp MessageID) []MessageID {
	var reqs []MessageID
	if resp == MsgInvalid {
		return reqs
	}
	for _, req := range i.requests {
		if i.reqToResp[req] == resp {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

func (i *Interface) Requests() []MessageID { return slices.Clone(i.requests) }
func (i *Interface) Responses() []MessageID { return slices.Clone(i.responses) }
func (i *Interface) Broadcasts() []MessageID { return slices.Clone(i.broadcasts) }
func (i *Interface) Attributes() []MessageID { return slices.Clone(i.attributes) }

func (i *Interface) NumRequests() int { return len(i.requests) }
func (i *Interface) NumResponses() int { return len(i.responses) }
func (i *Interface) NumBroadcasts() int { return len(i.broadcasts) }
func (i *Interface) NumAttributes() int { return len(i.attributes) }
