// Package dnsserver is the authoritative query-answering surface (spec
// section 2's "authoritative query path" external collaborator, brought
// in-repo the way the teacher's dns.go answers queries against its own
// static zone config, generalized here to read from the live, sync-fed
// zone register instead).
package dnsserver

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/ldapdns/zonesync/internal/acl"
	"github.com/ldapdns/zonesync/internal/zonereg"
	"github.com/miekg/dns"
)

// Deps are the server's collaborators.
type Deps struct {
	Zones   *zonereg.Register
	UDPAddr string
	TCPAddr string

	// WriteRecord and RemoveRecord carry a dynamic update's Add/Delete
	// entries through to internal/writeback (spec component K's front
	// door); a dynamic update is refused with RcodeNotImplemented if
	// either is nil.
	WriteRecord  func(ctx context.Context, owner string, rr dns.RR) error
	RemoveRecord func(ctx context.Context, owner string, rr dns.RR) error
	// SyncPTR mirrors an A/AAAA change from a dynamic update into its
	// reverse zone, matching writeback.WriteBack.SyncPTR's signature. A
	// nil SyncPTR just skips PTR mirroring.
	SyncPTR func(ctx context.Context, owner string, ip net.IP, isAdd bool) error
}

// Server answers DNS queries from the projected zone database, enforcing
// each zone's allow_query/allow_transfer settings.
type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Run starts the UDP and TCP listeners and blocks until ctx is canceled
// or either listener exits, mirroring the teacher's runDNS/ShutdownContext
// shutdown-on-cancel idiom for *dns.Server.
func (s *Server) Run(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNS)

	udp := &dns.Server{Addr: s.deps.UDPAddr, Net: "udp", Handler: mux}
	tcp := &dns.Server{Addr: s.deps.TCPAddr, Net: "tcp", Handler: mux}

	errCh := make(chan error, 2)
	for _, srv := range []*dns.Server{udp, tcp} {
		srv := srv
		go func() { errCh <- srv.ListenAndServe() }()
		go func() {
			<-ctx.Done()
			_ = srv.ShutdownContext(context.Background())
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("dnsserver: listener exited: %w", err)
	}
}

func (s *Server) handleDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := s.resolve(w.RemoteAddr(), req)
	_ = w.WriteMsg(resp)
}

func (s *Server) resolve(remote net.Addr, req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	if len(req.Question) != 1 {
		resp.Rcode = dns.RcodeFormatError
		return resp
	}
	q := req.Question[0]
	ip := hostIP(remote)

	info, err := s.deps.Zones.GetInfo(q.Name)
	if err != nil || !info.Published.Load() {
		// An unpublished zone (still mid initial-refresh, spec 4.I step 7)
		// is refused exactly like an unregistered one: it must not answer
		// until the sync barrier finishes and publishes it.
		resp.Rcode = dns.RcodeRefused
		return resp
	}

	if req.Opcode == dns.OpcodeUpdate {
		return s.handleUpdate(resp, info, ip, req)
	}

	if q.Qtype == dns.TypeAXFR || q.Qtype == dns.TypeIXFR {
		return s.resolveTransfer(resp, info, ip)
	}

	if !acl.Evaluate(info.Settings.GetString("allow_query"), ip) {
		log.Printf("dnsserver: query for %s from %s refused by allow_query", q.Name, ip)
		resp.Rcode = dns.RcodeRefused
		return resp
	}

	name := dns.Fqdn(q.Name)
	owned := info.DB.RRsForOwner(name)

	var answers []dns.RR
	for _, rr := range owned {
		if q.Qtype == dns.TypeANY || rr.Header().Rrtype == q.Qtype {
			answers = append(answers, rr)
		}
	}
	if len(answers) == 0 && q.Qtype != dns.TypeCNAME && q.Qtype != dns.TypeANY {
		for _, rr := range owned {
			if _, ok := rr.(*dns.CNAME); ok {
				answers = append(answers, rr)
			}
		}
	}

	if len(answers) > 0 {
		resp.Answer = answers
		return resp
	}

	soa := findSOA(info)
	if soa != nil {
		resp.Ns = append(resp.Ns, soa)
	}
	if len(owned) == 0 {
		resp.Rcode = dns.RcodeNameError
	}
	return resp
}

// handleUpdate implements RFC 2136 dynamic update against the zone named
// in the request's zone section, the front door of spec component K's
// write-back path: every RR in the Update section (req.Ns) is translated
// into a writeback.WriteRecord/RemoveRecord call rather than applied
// directly to the in-memory zone, the same direction every other
// directory-bound write in this module goes — the change stream observes
// the result on its next poll and re-projects it. Per RR class:
//
//   - the zone's class (normally IN): add the RR.
//   - dns.ClassNONE: delete that exact RR.
//   - dns.ClassANY, specific type: delete every RR of that type at owner.
//   - dns.ClassANY, TypeANY: delete every RR at owner.
func (s *Server) handleUpdate(resp *dns.Msg, info *zonereg.Info, ip net.IP, req *dns.Msg) *dns.Msg {
	if info.Kind != zonereg.KindMaster {
		resp.Rcode = dns.RcodeNotAuth
		return resp
	}
	if !info.Settings.GetBool("dyn_update") {
		log.Printf("dnsserver: update for %s from %s refused: dyn_update not set", info.Origin, ip)
		resp.Rcode = dns.RcodeRefused
		return resp
	}
	if s.deps.WriteRecord == nil || s.deps.RemoveRecord == nil {
		resp.Rcode = dns.RcodeNotImplemented
		return resp
	}

	ctx := context.Background()
	for _, rr := range req.Ns {
		owner := dns.Fqdn(rr.Header().Name)

		switch rr.Header().Class {
		case dns.ClassANY:
			if err := s.deleteRRSet(ctx, info, owner, rr.Header().Rrtype); err != nil {
				log.Printf("dnsserver: update delete-rrset %s from %s failed: %v", owner, ip, err)
				resp.Rcode = dns.RcodeServerFailure
				return resp
			}
		case dns.ClassNONE:
			if err := s.syncPTR(ctx, owner, rr, false); err != nil {
				log.Printf("dnsserver: update delete %s from %s refused by PTR sync: %v", owner, ip, err)
				resp.Rcode = dns.RcodeRefused
				return resp
			}
			if err := s.deps.RemoveRecord(ctx, owner, rr); err != nil {
				log.Printf("dnsserver: update delete %s from %s failed: %v", owner, ip, err)
				resp.Rcode = dns.RcodeServerFailure
				return resp
			}
		default:
			if err := s.syncPTR(ctx, owner, rr, true); err != nil {
				log.Printf("dnsserver: update add %s from %s refused by PTR sync: %v", owner, ip, err)
				resp.Rcode = dns.RcodeRefused
				return resp
			}
			if err := s.deps.WriteRecord(ctx, owner, rr); err != nil {
				log.Printf("dnsserver: update add %s from %s failed: %v", owner, ip, err)
				resp.Rcode = dns.RcodeServerFailure
				return resp
			}
		}
	}
	return resp
}

// deleteRRSet removes every RR at owner matching rrtype (or every RR at
// owner, if rrtype is dns.TypeANY), mirroring each removal's A/AAAA
// consequence into its reverse zone.
func (s *Server) deleteRRSet(ctx context.Context, info *zonereg.Info, owner string, rrtype uint16) error {
	for _, rr := range info.DB.RRsForOwner(owner) {
		if rrtype != dns.TypeANY && rr.Header().Rrtype != rrtype {
			continue
		}
		if err := s.syncPTR(ctx, owner, rr, false); err != nil {
			return err
		}
		if err := s.deps.RemoveRecord(ctx, owner, rr); err != nil {
			return err
		}
	}
	return nil
}

// syncPTR mirrors rr into its reverse zone if rr is an A/AAAA record,
// before the primary write-back call: a validation failure here refuses
// the update without ever writing the primary record (spec 4.K step 2);
// a post-validation apply failure is only logged, by SyncPTR itself.
func (s *Server) syncPTR(ctx context.Context, owner string, rr dns.RR, isAdd bool) error {
	if s.deps.SyncPTR == nil {
		return nil
	}
	var ip net.IP
	switch v := rr.(type) {
	case *dns.A:
		ip = v.A
	case *dns.AAAA:
		ip = v.AAAA
	default:
		return nil
	}
	if ip == nil {
		return nil
	}
	return s.deps.SyncPTR(ctx, owner, ip, isAdd)
}

// resolveTransfer implements a single-message AXFR/IXFR reply: the zone's
// SOA, every other RR, then a trailing SOA, the same envelope shape
// tsavola-legodns's dnsserver uses for small zones rather than the
// streaming multi-message form RFC 5936 also allows. IXFR degrades to a
// full AXFR — this module does not implement incremental transfer. The
// per-zone on-disk journal records incremental changes, but nothing here
// or in the operator API serves it.
func (s *Server) resolveTransfer(resp *dns.Msg, info *zonereg.Info, ip net.IP) *dns.Msg {
	if !acl.Evaluate(info.Settings.GetString("allow_transfer"), ip) {
		log.Printf("dnsserver: transfer of %s from %s refused by allow_transfer", info.Origin, ip)
		resp.Rcode = dns.RcodeRefused
		return resp
	}

	soa := findSOA(info)
	if soa == nil {
		resp.Rcode = dns.RcodeServerFailure
		return resp
	}

	resp.Answer = append(resp.Answer, soa)
	for _, rr := range info.DB.AllRRs() {
		if _, ok := rr.(*dns.SOA); ok {
			continue
		}
		resp.Answer = append(resp.Answer, rr)
	}
	resp.Answer = append(resp.Answer, soa)
	return resp
}

func findSOA(info *zonereg.Info) dns.RR {
	for _, rr := range info.DB.RRsForOwner(info.Origin) {
		if _, ok := rr.(*dns.SOA); ok {
			return rr
		}
	}
	return nil
}

func hostIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}
