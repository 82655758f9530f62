package relay

import "fmt"

// ServiceAddress locates a proxy or a stub: which service it speaks, under
// which role, on which thread of which bus.
//
// Addresses are immutable values and can be compared with `==`.
type ServiceAddress struct {
	service string
	role    string
	thread  string
	channel uint64
}

func NewServiceAddress(service, role, thread string, channel uint64) ServiceAddress {
	return ServiceAddress{
		service: service,
		role:    role,
		thread:  thread,
		channel: channel,
	}
}

func (a ServiceAddress) Service() string { return a.service }
func (a ServiceAddress) Role() string { return a.role }
func (a ServiceAddress) Thread() string { return a.thread }
func (a ServiceAddress) Channel() uint64 { return a.channel }

// IsValid requires a service and a role name.
func (a ServiceAddress) IsValid() bool {
	return a.service != "" && a.role != ""
}

// IsLocal tells whether the address belongs to the bus owning `channel`.
func (a ServiceAddress) IsLocal(channel uint64) bool {
	return a.channel == channel
}

func (a ServiceAddress) String() string {
	return fmt.Sprintf("%s/%s@%s#%x", a.service, a.role, a.thread, a.channel)
}
