package security

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
)

func TestNewIPAllocator(t *testing.T) {
	tests := []struct {
		name    string
		cidr    string
		wantErr bool
	}{
		{name: "valid /16", cidr: "10.200.0.0/16", wantErr: false},
		{name: "valid /29", cidr: "192.168.1.0/29", wantErr: false},
		{name: "too small /31", cidr: "10.0.0.0/31", wantErr: true},
		{name: "not a cidr", cidr: "10.200.0.0", wantErr: true},
		{name: "ipv6", cidr: "fd00::/64", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIPAllocator(tt.cidr, time.Hour)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewIPAllocator(%q) error = %v, wantErr %v", tt.cidr, err, tt.wantErr)
			}
		})
	}
}

func TestAllocateSkipsGateway(t *testing.T) {
	a, err := NewIPAllocator("10.200.0.0/24", time.Hour)
	if err != nil {
		t.Fatalf("NewIPAllocator() error = %v", err)
	}

	if got := a.GatewayIP(); got != "10.200.0.1" {
		t.Errorf("GatewayIP() = %s, want 10.200.0.1", got)
	}

	ip, err := a.Allocate("node-1")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if ip != "10.200.0.2" {
		t.Errorf("first Allocate() = %s, want 10.200.0.2", ip)
	}

	ip, err = a.Allocate("node-2")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if ip != "10.200.0.3" {
		t.Errorf("second Allocate() = %s, want 10.200.0.3", ip)
	}

	if got := a.Assigned(); got != 2 {
		t.Errorf("Assigned() = %d, want 2", got)
	}
}

func TestReleaseGracePeriod(t *testing.T) {
	a, err := NewIPAllocator("10.200.0.0/29", time.Hour)
	if err != nil {
		t.Fatalf("NewIPAllocator() error = %v", err)
	}

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return current }

	ip, err := a.Allocate("node-1")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := a.Release(ip); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Within grace the address must not be reissued
	next, err := a.Allocate("node-2")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if next == ip {
		t.Errorf("Allocate() reissued %s inside grace period", ip)
	}

	// After grace the address is the lowest free again
	current = current.Add(2 * time.Hour)
	reused, err := a.Allocate("node-3")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if reused != ip {
		t.Errorf("Allocate() after grace = %s, want %s", reused, ip)
	}
}

func TestReleaseUnassigned(t *testing.T) {
	a, _ := NewIPAllocator("10.200.0.0/24", time.Hour)
	err := a.Release("10.200.0.50")
	if !trace.IsNotFound(err) {
		t.Errorf("Release() of unassigned ip error = %v, want NotFound", err)
	}
}

func TestReleaseOutsideOverlay(t *testing.T) {
	a, _ := NewIPAllocator("10.200.0.0/24", time.Hour)
	err := a.Release("192.168.1.1")
	if !trace.IsBadParameter(err) {
		t.Errorf("Release() outside overlay error = %v, want BadParameter", err)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	// /29 leaves 5 usable addresses after network, gateway, broadcast
	a, err := NewIPAllocator("10.200.0.0/29", time.Hour)
	if err != nil {
		t.Fatalf("NewIPAllocator() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := a.Allocate("node"); err != nil {
			t.Fatalf("Allocate() #%d error = %v", i, err)
		}
	}

	_, err = a.Allocate("node-overflow")
	if !trace.IsLimitExceeded(err) {
		t.Errorf("Allocate() on exhausted pool error = %v, want LimitExceeded", err)
	}
}

func TestRestore(t *testing.T) {
	a, _ := NewIPAllocator("10.200.0.0/24", time.Hour)

	if err := a.Restore("10.200.0.5", "node-1"); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	// Restoring the same owner is idempotent
	if err := a.Restore("10.200.0.5", "node-1"); err != nil {
		t.Errorf("Restore() same owner error = %v", err)
	}
	// A different owner must be rejected
	err := a.Restore("10.200.0.5", "node-2")
	if !trace.IsAlreadyExists(err) {
		t.Errorf("Restore() conflicting owner error = %v, want AlreadyExists", err)
	}

	// Restored addresses are skipped by Allocate
	for i := 0; i < 10; i++ {
		ip, err := a.Allocate("node-x")
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if ip == "10.200.0.5" {
			t.Fatal("Allocate() handed out a restored address")
		}
	}
}
