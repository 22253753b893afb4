package transfer

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Scheduler runs ticket clean-up outside the caller, typically on a task
// queue.
type Scheduler interface {
	// ScheduleExpiry cleans up ticketID after its time to live.
	ScheduleExpiry(ticketID string, after time.Duration) error
	// RevokeOwner revokes every ticket of owner.
	RevokeOwner(owner string) error
}

// Grant is what an upload requester hands to the device.
type Grant struct {
	TicketID  string     `json:"ticketId"`
	Username  string     `json:"username"`
	Password  string     `json:"password"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Protocols []Protocol `json:"protocols"`
	// HostKeys are in authorized_keys format.
	HostKeys  []string  `json:"hostKeys"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Result describes the outcome of an upload session.
type Result struct {
	Completed bool           `json:"completed"`
	Dir       string         `json:"dir"`
	Files     []UploadedFile `json:"files"`
	Logs      []string       `json:"logs,omitempty"`
}

// Broker is the surface tasks use to receive files from devices: request a
// ticket, wait for the device to push, then release the ticket.
type Broker struct {
	registry *Registry
	server   func() (*Server, error)
	tasks    Scheduler
}

// NewBroker returns a broker issuing tickets into reg for the server
// returned by server.
func NewBroker(reg *Registry, server func() (*Server, error)) *Broker {
	return &Broker{registry: reg, server: server}
}

// SetScheduler routes ticket expiry and revocation through s instead of
// in-process timers and goroutines.
func (b *Broker) SetScheduler(s Scheduler) {
	b.tasks = s
}

// RequestUpload creates and registers a ticket for owner. Protocols not
// enabled on the server are dropped; source pins the device address when
// valid.
func (b *Broker) RequestUpload(owner string, protocols []Protocol, source netip.Addr) (Grant, error) {
	srv, err := b.server()
	if err != nil {
		return Grant{}, err
	}
	settings := srv.Settings()

	var allowed []Protocol
	for _, p := range protocols {
		if settings.Allows(p) {
			allowed = append(allowed, p)
		}
	}
	if len(allowed) == 0 {
		return Grant{}, fmt.Errorf("transfer: none of %v is enabled on the server", protocols)
	}

	t, password, err := NewTicket(owner, allowed, source, settings.RootPath)
	if err != nil {
		return Grant{}, err
	}
	if err := b.registry.Register(t); err != nil {
		t.CleanUp()
		return Grant{}, fmt.Errorf("transfer: register ticket: %w", err)
	}

	g := Grant{
		TicketID:  t.ID,
		Username:  t.Username,
		Password:  password,
		Host:      advertisedHost(settings, source),
		Port:      settings.Port,
		Protocols: allowed,
	}
	if addr, ok := srv.Addr().(*net.TCPAddr); ok {
		g.Port = addr.Port
	}
	for _, k := range srv.PublicHostKeys() {
		g.HostKeys = append(g.HostKeys, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k))))
	}

	if ttl := settings.TicketTTL; ttl > 0 {
		g.ExpiresAt = time.Now().Add(ttl).UTC()
		b.scheduleExpiry(t, ttl)
	}
	log.Printf("[transfer] ticket %s issued to %s (%v)", t.Username, owner, allowed)
	return g, nil
}

func (b *Broker) scheduleExpiry(t *Ticket, ttl time.Duration) {
	if b.tasks != nil {
		err := b.tasks.ScheduleExpiry(t.ID, ttl)
		if err == nil {
			return
		}
		log.Printf("[transfer] schedule expiry of ticket %s: %v; using a local timer", t.Username, err)
	}
	time.AfterFunc(ttl, func() { b.Expire(t.ID) })
}

// AwaitUpload waits for the session of ticket id to finish, or for timeout
// (no limit when <= 0), and reports what was received.
func (b *Broker) AwaitUpload(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	t, ok := b.registry.ByID(id)
	if !ok {
		return Result{}, ErrTicketNotFound
	}
	completed := t.AwaitCompletion(ctx, timeout)
	return Result{
		Completed: completed,
		Dir:       t.RootPath,
		Files:     t.Files(),
		Logs:      t.SessionLogs(),
	}, nil
}

// Release cleans up ticket id once its files have been consumed.
func (b *Broker) Release(id string) {
	if t, ok := b.registry.ByID(id); ok {
		t.CleanUp()
	}
}

// Expire cleans up ticket id if it still exists and reports whether it did.
func (b *Broker) Expire(id string) bool {
	t, ok := b.registry.ByID(id)
	if !ok {
		return false
	}
	log.Printf("[transfer] ticket %s expired", t.Username)
	t.CleanUp()
	return true
}

// Revoke invalidates and cleans up every ticket of owner. It returns the
// number of tickets removed.
func (b *Broker) Revoke(owner string) int {
	removed := b.registry.ClearOwner(owner)
	for _, t := range removed {
		t.CleanUp()
	}
	if len(removed) > 0 {
		log.Printf("[transfer] revoked %d ticket(s) of %s", len(removed), owner)
	}
	return len(removed)
}

// RevokeLater queues the revocation of every ticket of owner and returns
// without waiting for it.
func (b *Broker) RevokeLater(owner string) {
	if b.tasks != nil {
		err := b.tasks.RevokeOwner(owner)
		if err == nil {
			return
		}
		log.Printf("[transfer] queue revocation of %s: %v; revoking in process", owner, err)
	}
	go b.Revoke(owner)
}

// advertisedHost is the address handed to devices. Without a configured
// AdvertisedHost a wildcard listener is reported as the local address that
// routes to source, or else the first global unicast interface address.
func advertisedHost(s Settings, source netip.Addr) string {
	if s.AdvertisedHost != "" {
		return s.AdvertisedHost
	}
	if s.ListenAddress != "" {
		if ip, err := netip.ParseAddr(s.ListenAddress); err != nil || !ip.IsUnspecified() {
			return s.ListenAddress
		}
	}
	if ip, ok := localAddrFor(source); ok {
		return ip.String()
	}
	if ip, ok := interfaceAddr(); ok {
		return ip.String()
	}
	log.Printf("[transfer] no address to advertise; set advertisedHost")
	return ""
}

// localAddrFor returns the local address the kernel would use to reach dst.
// Connecting a UDP socket sends nothing.
func localAddrFor(dst netip.Addr) (netip.Addr, bool) {
	if !dst.IsValid() || dst.IsUnspecified() {
		return netip.Addr{}, false
	}
	conn, err := net.Dial("udp", netip.AddrPortFrom(dst, 9).String())
	if err != nil {
		return netip.Addr{}, false
	}
	defer conn.Close()
	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(ua.IP)
	return ip.Unmap(), ok
}

// interfaceAddr picks the first global unicast interface address, IPv4 first.
func interfaceAddr() (netip.Addr, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, false
	}
	var v6 netip.Addr
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipn.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if !ip.IsGlobalUnicast() {
			continue
		}
		if ip.Is4() {
			return ip, true
		}
		if !v6.IsValid() {
			v6 = ip
		}
	}
	return v6, v6.IsValid()
}
