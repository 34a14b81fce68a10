package engine

import (
	"fmt"
	"net/netip"
)

// Allocator hands out host ports and static IPv4 addresses in order. It is
// single-writer: only the interpreter allocates, before workers exist.
type Allocator struct {
	ports  []int
	nextIP netip.Addr
}

// NewAllocator seeds the allocator. The first port returned is
// portSeed+1 and the first address is the one after ipSeed.
func NewAllocator(portSeed int, ipSeed string) (*Allocator, error) {
	addr, err := netip.ParseAddr(ipSeed)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("invalid ipv4 seed %q", ipSeed)
	}
	return &Allocator{
		ports:  []int{portSeed},
		nextIP: addr,
	}, nil
}

// AllocatePort returns the last allocated port plus one.
func (a *Allocator) AllocatePort() int {
	port := a.ports[len(a.ports)-1] + 1
	a.ports = append(a.ports, port)
	return port
}

// AllocateIPv4 returns the next address of the subnet.
func (a *Allocator) AllocateIPv4() string {
	a.nextIP = a.nextIP.Next()
	return a.nextIP.String()
}

// Ports returns every port handed out so far, excluding the seed.
func (a *Allocator) Ports() []int {
	return append([]int(nil), a.ports[1:]...)
}
