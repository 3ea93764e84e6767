// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*UDPTransport] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Errors returned by DNS path resolution.
var (
	// ErrDNSReplyID indicates the reply ID did not match the query.
	ErrDNSReplyID = errors.New("eyeballs: dns reply id mismatch")

	// ErrDNSRcode indicates the server returned a non-success rcode.
	ErrDNSRcode = errors.New("eyeballs: dns query failed")
)

// DNSTransport performs a single DNS query/response exchange.
//
// [*UDPTransport] is the classic UDP implementation; tests and
// embedders with their own DNS plumbing can substitute anything that
// honors the one-query-one-response contract.
type DNSTransport interface {
	Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error)
}

// UDPTransport exchanges DNS messages with a server over UDP,
// dialing a fresh connection per exchange.
//
// All fields are safe to modify after construction but before first
// use. Fields must not be mutated concurrently with Exchange.
type UDPTransport struct {
	// Dialer is the [Dialer] to use.
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// Server is the DNS server endpoint.
	Server netip.AddrPort

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

var _ DNSTransport = &UDPTransport{}

// Exchange implements [DNSTransport].
func (t *UDPTransport) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	conn, err := t.Dialer.DialContext(ctx, "udp", t.Server.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	t0 := t.TimeNow()
	t.logExchangeStart(conn, query, t0)
	resp, err := t.exchange(conn, query)
	t.logExchangeDone(conn, query, t0, err)
	return resp, err
}

func (t *UDPTransport) exchange(conn net.Conn, query *dns.Msg) (*dns.Msg, error) {
	dc := &dns.Conn{Conn: conn}
	if err := dc.WriteMsg(query); err != nil {
		return nil, err
	}
	resp, err := dc.ReadMsg()
	if err != nil {
		return nil, err
	}
	if resp.Id != query.Id {
		return nil, ErrDNSReplyID
	}
	return resp, nil
}

func (t *UDPTransport) logExchangeStart(conn net.Conn, query *dns.Msg, t0 time.Time) {
	t.Logger.Info(
		"dnsQuery",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("qname", queryName(query)),
		slog.String("qtype", queryType(query)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
	)
}

func (t *UDPTransport) logExchangeDone(conn net.Conn, query *dns.Msg, t0 time.Time, err error) {
	t.Logger.Info(
		"dnsResponse",
		slog.Any("err", err),
		slog.String("errClass", t.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("qname", queryName(query)),
		slog.String("qtype", queryType(query)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", t.TimeNow()),
	)
}

func queryName(query *dns.Msg) string {
	if len(query.Question) > 0 {
		return query.Question[0].Name
	}
	return ""
}

func queryType(query *dns.Msg) string {
	if len(query.Question) > 0 {
		return dns.TypeToString[query.Question[0].Qtype]
	}
	return ""
}

// LookupRequest describes the resolution of a node name into the
// ranked [Path] list consumed by the [*Engine].
type LookupRequest struct {
	// Node is the name to resolve.
	Node string

	// Port is the L4 port to attach to each resulting path. Ignored
	// when SRVLookup is true and Service is set, because SRV records
	// carry their own.
	Port int

	// Socktype is the socket type for the resulting paths (e.g.,
	// [unix.SOCK_STREAM]).
	Socktype int

	// Protocol is the L4 protocol for the resulting paths (e.g.,
	// [unix.IPPROTO_TCP]).
	Protocol int

	// Family restricts resolution to a single address family:
	// [unix.AF_INET], [unix.AF_INET6], or [unix.AF_UNSPEC] (the zero
	// value) for both.
	Family int

	// Service is the SRV service label (e.g., "sip"). Only used when
	// SRVLookup is true.
	Service string

	// SRVLookup requests DNS SRV resolution of Service under Node
	// before address lookup. It has no effect when Service is empty:
	// Node is then resolved directly.
	SRVLookup bool
}

// NewLookupPathsFunc returns a new [*LookupPathsFunc] using a classic
// UDP transport towards the given server.
//
// The cfg argument contains the common configuration for eyeballs
// operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewLookupPathsFunc(cfg *Config, server netip.AddrPort, logger SLogger) *LookupPathsFunc {
	return &LookupPathsFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		Transport: &UDPTransport{
			Dialer:        cfg.Dialer,
			ErrClassifier: cfg.ErrClassifier,
			Logger:        logger,
			Server:        server,
			TimeNow:       cfg.TimeNow,
		},
	}
}

// LookupPathsFunc resolves a [LookupRequest] into a ranked [Path]
// list: the A/AAAA (and optionally SRV) answers for the node,
// ordered by [SortPaths].
//
// Returns either a non-nil path list or an error, never both. An
// empty list with a nil error means the name exists but has no
// addresses in the requested families.
//
// All fields are safe to modify after construction but before first
// use. Fields must not be mutated concurrently with calls to [Call].
type LookupPathsFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewLookupPathsFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or
	// custom logging).
	//
	// Set by [NewLookupPathsFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable
	// for testing).
	//
	// Set by [NewLookupPathsFunc] from [Config.TimeNow].
	TimeNow func() time.Time

	// Transport performs the DNS exchanges.
	//
	// Set by [NewLookupPathsFunc] to a [*UDPTransport] towards the
	// given server.
	Transport DNSTransport
}

var _ Func[LookupRequest, []Path] = &LookupPathsFunc{}

// Call invokes the [*LookupPathsFunc] to resolve the given request.
func (op *LookupPathsFunc) Call(ctx context.Context, req LookupRequest) ([]Path, error) {
	t0 := op.TimeNow()
	op.Logger.Info(
		"lookupStart",
		slog.String("node", req.Node),
		slog.Bool("srv", req.SRVLookup),
		slog.Time("t", t0),
	)
	paths, err := op.lookup(ctx, req)
	op.Logger.Info(
		"lookupDone",
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("node", req.Node),
		slog.Int("paths", len(paths)),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)
	return paths, err
}

func (op *LookupPathsFunc) lookup(ctx context.Context, req LookupRequest) ([]Path, error) {
	if req.SRVLookup && req.Service != "" {
		return op.lookupSRV(ctx, req)
	}
	paths, err := op.lookupNode(ctx, req, req.Node, req.Port, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return SortPaths(paths), nil
}

// lookupNode resolves the addresses of a single name into paths
// carrying the given port, priority, and weight.
func (op *LookupPathsFunc) lookupNode(ctx context.Context, req LookupRequest,
	name string, port, priority, weight, srvTTL int) ([]Path, error) {
	var (
		paths    []Path
		firstErr error
		answered bool
	)
	for _, qtype := range queryTypesForFamily(req.Family) {
		resp, err := op.query(ctx, name, qtype)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		answered = true
		for _, rr := range resp.Answer {
			addr, ttl, ok := addrFromRR(rr)
			if !ok {
				continue
			}
			paths = append(paths, Path{
				Addr:     addr,
				Socktype: req.Socktype,
				Protocol: req.Protocol,
				Port:     port,
				Priority: priority,
				Weight:   weight,
				TTL:      minTTL(ttl, srvTTL),
			})
		}
	}
	// A name with one broken family is still usable through the
	// other; fail only when no query got an answer.
	if !answered && firstErr != nil {
		return nil, firstErr
	}
	return paths, nil
}

// lookupSRV resolves _service._proto.node SRV records, then the
// addresses of each target, carrying SRV port, priority, and weight
// into the resulting paths.
func (op *LookupPathsFunc) lookupSRV(ctx context.Context, req LookupRequest) ([]Path, error) {
	owner := fmt.Sprintf("_%s._%s.%s", req.Service, protoLabel(req.Protocol), req.Node)
	resp, err := op.query(ctx, owner, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	var paths []Path
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		targets, err := op.lookupNode(ctx, req, srv.Target,
			int(srv.Port), int(srv.Priority), int(srv.Weight), int(rr.Header().Ttl))
		if err != nil {
			continue
		}
		paths = append(paths, targets...)
	}
	return SortPaths(paths), nil
}

func (op *LookupPathsFunc) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), qtype)
	query.SetEdns0(1232, false)
	resp, err := op.Transport.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: %s", ErrDNSRcode, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

// queryTypesForFamily maps the request family to the address query
// types to issue, AAAA before A. The final path order does not depend
// on the query order: [SortPaths] sets it.
func queryTypesForFamily(family int) []uint16 {
	switch family {
	case unix.AF_INET:
		return []uint16{dns.TypeA}
	case unix.AF_INET6:
		return []uint16{dns.TypeAAAA}
	default:
		return []uint16{dns.TypeAAAA, dns.TypeA}
	}
}

// addrFromRR extracts the address and TTL from an A or AAAA record.
func addrFromRR(rr dns.RR) (netip.Addr, int, bool) {
	switch rr := rr.(type) {
	case *dns.A:
		addr, ok := netip.AddrFromSlice(rr.A)
		return addr.Unmap(), int(rr.Hdr.Ttl), ok
	case *dns.AAAA:
		addr, ok := netip.AddrFromSlice(rr.AAAA)
		return addr, int(rr.Hdr.Ttl), ok
	default:
		return netip.Addr{}, 0, false
	}
}

// minTTL returns the smaller of the address TTL and the SRV TTL,
// ignoring a zero SRV TTL, so a path is never considered valid for
// longer than any record it was derived from.
func minTTL(addrTTL, srvTTL int) int {
	if srvTTL > 0 && srvTTL < addrTTL {
		return srvTTL
	}
	return addrTTL
}

// protoLabel returns the conventional SRV protocol label for an L4
// protocol number.
func protoLabel(protocol int) string {
	if protocol == unix.IPPROTO_UDP {
		return "udp"
	}
	return "tcp"
}
