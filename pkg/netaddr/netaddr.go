// Package netaddr turns bound listener addresses into connectable URLs.
package netaddr

import (
    "errors"
    "fmt"
    "net"
    "strconv"
)

// Family tags the address family of a bound listener.
type Family string

const (
    FamilyIPv4 Family = "IPv4"
    FamilyIPv6 Family = "IPv6"
)

// ErrUnknownAddressFamily is returned by Resolve for any family other than
// IPv4 or IPv6.
var ErrUnknownAddressFamily = errors.New("netaddr: unknown address family")

// Descriptor is the low-level description of a bound listener.
type Descriptor struct {
    Family  Family
    Address string
    Port    int
}

// ListenerAddress is what clients and restarts need from a bound listener.
type ListenerAddress struct {
    URL  string `json:"url"`
    Host string `json:"host"`
    Port int    `json:"port"`
}

// HostPort returns Host and Port joined for net.Listen/net.Dial.
func (l ListenerAddress) HostPort() string {
    return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Describe extracts a Descriptor from a listener address. Non-TCP addresses
// get their network name as family and are rejected later by Resolve.
func Describe(a net.Addr) Descriptor {
    tcp, ok := a.(*net.TCPAddr)
    if !ok {
        if a == nil { return Descriptor{} }
        return Descriptor{Family: Family(a.Network()), Address: a.String()}
    }
    d := Descriptor{Address: tcp.IP.String(), Port: tcp.Port}
    switch {
    case tcp.IP == nil:
        // leave family empty
    case tcp.IP.To4() != nil:
        d.Family = FamilyIPv4
    case len(tcp.IP) == net.IPv6len:
        d.Family = FamilyIPv6
    }
    return d
}

// Resolve maps a descriptor to a connectable URL. IPv4 listeners are reached
// through the loopback literal, IPv6 listeners through the all-interfaces
// literal.
func Resolve(d Descriptor) (ListenerAddress, error) {
    port := strconv.Itoa(d.Port)
    switch d.Family {
    case FamilyIPv6:
        return ListenerAddress{URL: "http://[::]:" + port, Host: d.Address, Port: d.Port}, nil
    case FamilyIPv4:
        return ListenerAddress{URL: "http://127.0.0.1:" + port, Host: d.Address, Port: d.Port}, nil
    default:
        return ListenerAddress{}, fmt.Errorf("%w: %q", ErrUnknownAddressFamily, string(d.Family))
    }
}

// FromListener is Describe followed by Resolve.
func FromListener(ln net.Listener) (ListenerAddress, error) {
    return Resolve(Describe(ln.Addr()))
}
