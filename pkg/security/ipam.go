package security

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// IPAllocator hands out addresses from the WireGuard overlay network.
// The first usable host (.1) is reserved for the headend gateway; the
// network and broadcast addresses are never assigned. Released
// addresses stay unassignable for a grace period so a stale peer
// config cannot collide with a new assignment.
type IPAllocator struct {
	network *net.IPNet
	first   uint32
	last    uint32

	mu       sync.Mutex
	assigned map[uint32]string    // ip -> node id
	released map[uint32]time.Time // ip -> release time
	grace    time.Duration

	now func() time.Time
}

// NewIPAllocator creates an allocator for the given IPv4 CIDR
func NewIPAllocator(cidr string, grace time.Duration) (*IPAllocator, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, trace.BadParameter("invalid overlay CIDR %q: %v", cidr, err)
	}
	ip4 := network.IP.To4()
	if ip4 == nil {
		return nil, trace.BadParameter("overlay CIDR must be IPv4: %s", cidr)
	}

	ones, bits := network.Mask.Size()
	if bits-ones < 2 {
		return nil, trace.BadParameter("overlay CIDR too small: %s", cidr)
	}

	base := binary.BigEndian.Uint32(ip4)
	size := uint32(1) << (bits - ones)

	return &IPAllocator{
		network:  network,
		first:    base + 2, // skip network address and the .1 gateway
		last:     base + size - 2,
		assigned: make(map[uint32]string),
		released: make(map[uint32]time.Time),
		grace:    grace,
		now:      time.Now,
	}, nil
}

// Restore marks an address as already assigned to a node. Used at
// startup when peers are reloaded from the store.
func (a *IPAllocator) Restore(ip string, nodeID string) error {
	n, err := a.parse(ip)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if owner, ok := a.assigned[n]; ok && owner != nodeID {
		return trace.AlreadyExists("ip %s already assigned to %s", ip, owner)
	}
	a.assigned[n] = nodeID
	return nil
}

// Allocate returns the lowest free address in the overlay
func (a *IPAllocator) Allocate(nodeID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for n := a.first; n <= a.last; n++ {
		if _, taken := a.assigned[n]; taken {
			continue
		}
		if releasedAt, ok := a.released[n]; ok {
			if now.Sub(releasedAt) < a.grace {
				continue
			}
			delete(a.released, n)
		}
		a.assigned[n] = nodeID
		return formatIP(n), nil
	}
	return "", trace.LimitExceeded("overlay network %s exhausted", a.network.String())
}

// Release returns an address to the pool after the grace period
func (a *IPAllocator) Release(ip string) error {
	n, err := a.parse(ip)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.assigned[n]; !ok {
		return trace.NotFound("ip %s not assigned", ip)
	}
	delete(a.assigned, n)
	a.released[n] = a.now()
	return nil
}

// Assigned returns the number of addresses currently in use
func (a *IPAllocator) Assigned() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.assigned)
}

// GatewayIP returns the reserved .1 address of the overlay
func (a *IPAllocator) GatewayIP() string {
	base := binary.BigEndian.Uint32(a.network.IP.To4())
	return formatIP(base + 1)
}

// Network returns the overlay CIDR
func (a *IPAllocator) Network() string {
	return a.network.String()
}

func (a *IPAllocator) parse(ip string) (uint32, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return 0, trace.BadParameter("invalid ip: %s", ip)
	}
	if !a.network.Contains(parsed) {
		return 0, trace.BadParameter("ip %s outside overlay %s", ip, a.network.String())
	}
	return binary.BigEndian.Uint32(parsed.To4()), nil
}

func formatIP(n uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
