package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
)

// Sender is the query transport contract (spec.md §4.5): send a query to a
// server address and get back either a Message or a transport error. *Nub is
// the real implementation; tests substitute a fake to drive the state
// machine through the scenarios in spec.md §8 without real network I/O.
type Sender interface {
	Send(ctx context.Context, server netip.Addr, msg *dns.Msg) (*dns.Msg, time.Duration, error)
}

// Nub is the default Sender. All transport failures collapse to
// ErrTransientServer: the state machine's only recourse is "try another
// server."
//
// Grounded on the teacher's exchange/exchangeWithNetwork/dialDNSConn: UDP
// first, TCP retry on truncation, same dns.Conn usage and EDNS sizing.
type Nub struct {
	dialer  proxy.ContextDialer
	port    uint16
	timeout time.Duration
	retries int

	resolver *Resolver // for usable()/maybeDisable* transport-health hooks
}

// NewNub returns a Nub sending to port 53 (or the Resolver's configured
// port) through the given dialer.
func NewNub(r *Resolver, dialer proxy.ContextDialer, port uint16, timeout time.Duration) *Nub {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if port == 0 {
		port = 53
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Nub{dialer: dialer, port: port, timeout: timeout, retries: 1, resolver: r}
}

// Send delivers msg to server, retrying once on timeout and escalating to
// TCP if the UDP response is truncated.
func (n *Nub) Send(ctx context.Context, server netip.Addr, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	setEDNS(msg)

	start := time.Now()
	resp, err := n.exchange(ctx, "udp", server, msg)
	var ne net.Error
	for i := 0; i < n.retries && errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil; i++ {
		resp, err = n.exchange(ctx, "udp", server, msg)
	}
	if err != nil {
		if n.resolver.maybeDisableUdp(err) {
			err = nil
		}
	}
	if err == nil && (resp == nil || resp.Truncated) {
		resp, err = n.exchange(ctx, "tcp", server, msg)
	}
	if err != nil {
		return nil, time.Since(start), wrapErr(ErrTransientServer, err.Error())
	}
	if resp == nil {
		return nil, time.Since(start), wrapErr(ErrTransientServer, "no response")
	}
	return resp, time.Since(start), nil
}

func (n *Nub) exchange(ctx context.Context, network string, server netip.Addr, msg *dns.Msg) (*dns.Msg, error) {
	if !n.usable(network, server) {
		return nil, nil
	}
	addrPort := netip.AddrPortFrom(server, n.port)

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	rawConn, err := n.dialer.DialContext(sendCtx, network, addrPort.String())
	if err != nil {
		if server.Is6() {
			n.resolver.maybeDisableIPv6(err)
		}
		return nil, err
	}
	defer rawConn.Close()

	conn := &dns.Conn{Conn: rawConn}
	if strings.HasPrefix(network, "udp") {
		conn.UDPSize = dns.DefaultMsgSize
	}
	if deadline, ok := sendCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := conn.WriteMsg(msg); err != nil {
		return nil, err
	}
	return conn.ReadMsg()
}

func (n *Nub) usable(network string, addr netip.Addr) bool {
	yes := strings.HasPrefix(network, "tcp") || n.resolver.usingUDP()
	yes = yes && (addr.Is4() || n.resolver.usingIPv6())
	return yes
}

func setEDNS(m *dns.Msg) {
	if m.IsEdns0() != nil {
		return
	}
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(1232)
	m.Extra = append(m.Extra, opt)
}
