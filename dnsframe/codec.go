package dnsframe

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

const (
	// ResponseBudget is the maximum number of payload bytes carried by a
	// single response.  Its encoded form together with the echoed question
	// fits into [EDNSBufferSize].
	ResponseBudget = 600

	// EDNSBufferSize is the UDP payload size advertised in queries.
	EDNSBufferSize = 1232

	// maxLabelLen is the maximum length of a single DNS label.
	maxLabelLen = 63

	// maxTXTStringLen is the maximum length of a single TXT character string.
	maxTXTStringLen = 255
)

const (
	// ErrPayloadTooLarge is returned when a payload exceeds the budget of the
	// direction it is encoded for.
	ErrPayloadTooLarge errors.Error = "payload exceeds budget"

	// ErrNotOurDomain is returned when a query name is not under the tunnel
	// domain.
	ErrNotOurDomain errors.Error = "name is not under tunnel domain"

	// ErrMalformed is returned when a message cannot carry a tunnel payload.
	ErrMalformed errors.Error = "malformed tunnel message"
)

// labelEncoding is the DNS-label-safe encoding of upstream payloads.
var labelEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// answerEncoding is the encoding of downstream payloads in TXT strings.
var answerEncoding = base64.RawStdEncoding

// Codec encodes and decodes tunnel payloads for a single tunnel domain.  It
// is safe for concurrent use.
type Codec struct {
	// domain is the lowercase FQDN of the tunnel domain.
	domain string

	// suffix is domain with a leading dot.
	suffix string

	// mtu is the upstream payload budget.
	mtu int
}

// NewCodec returns a codec for domain.  The domain is converted to its ASCII
// form and its MTU budget is computed; all errors are configuration errors.
func NewCodec(domain string) (c *Codec, err error) {
	domain = strings.TrimSuffix(domain, ".")
	if len(domain) >= MaxDomainLen {
		return nil, tunerr.Configuration(fmt.Errorf("domain %.16q...: %w", domain, ErrDomainTooLong))
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return nil, tunerr.Configuration(fmt.Errorf("converting domain %q: %w", domain, err))
	}

	ascii = strings.ToLower(ascii)
	mtu, err := Budget(len(ascii))
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	err = netutil.ValidateDomainName(ascii)
	if err != nil {
		return nil, tunerr.Configuration(fmt.Errorf("validating domain: %w", err))
	}

	fqdn := dns.Fqdn(ascii)

	return &Codec{
		domain: fqdn,
		suffix: "." + fqdn,
		mtu:    mtu,
	}, nil
}

// Domain returns the FQDN of the tunnel domain.
func (c *Codec) Domain() (fqdn string) {
	return c.domain
}

// MTU returns the upstream payload budget.
func (c *Codec) MTU() (mtu int) {
	return c.mtu
}

// Owns returns true if name is the tunnel domain or a subdomain of it.  The
// comparison is case-insensitive.
func (c *Codec) Owns(name string) (ok bool) {
	name = strings.ToLower(dns.Fqdn(name))

	return name == c.domain || strings.HasSuffix(name, c.suffix)
}

// EncodeQuery returns a TXT query with the given transaction id carrying
// payload.  payload must not be longer than [Codec.MTU].
func (c *Codec) EncodeQuery(id uint16, payload []byte) (msg *dns.Msg, err error) {
	if len(payload) > c.mtu {
		return nil, fmt.Errorf("query payload of %d bytes: %w", len(payload), ErrPayloadTooLarge)
	}

	encoded := labelEncoding.EncodeToString(payload)

	b := &strings.Builder{}
	b.Grow(len(encoded) + len(encoded)/maxLabelLen + len(c.suffix))
	for len(encoded) > 0 {
		n := min(len(encoded), maxLabelLen)
		b.WriteString(encoded[:n])
		b.WriteByte('.')
		encoded = encoded[n:]
	}

	b.WriteString(c.domain)

	msg = &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:               id,
			RecursionDesired: true,
		},
		Question: []dns.Question{{
			Name:   b.String(),
			Qtype:  dns.TypeTXT,
			Qclass: dns.ClassINET,
		}},
	}
	msg.SetEdns0(EDNSBufferSize, false)

	return msg, nil
}

// DecodeQuery returns the payload carried by the question of msg.
func (c *Codec) DecodeQuery(msg *dns.Msg) (payload []byte, err error) {
	if msg.Response || len(msg.Question) != 1 {
		return nil, fmt.Errorf("query: %w", ErrMalformed)
	}

	q := msg.Question[0]
	if q.Qtype != dns.TypeTXT {
		return nil, fmt.Errorf("query type %s: %w", dns.Type(q.Qtype), ErrMalformed)
	}

	name := strings.ToLower(dns.Fqdn(q.Name))
	if name == c.domain {
		return []byte{}, nil
	}

	prefix, ok := strings.CutSuffix(name, c.suffix)
	if !ok {
		return nil, fmt.Errorf("query name %q: %w", q.Name, ErrNotOurDomain)
	}

	// Resolvers may randomize the case of the name, and the label encoding
	// is uppercase.
	encoded := strings.ToUpper(strings.ReplaceAll(prefix, ".", ""))
	payload, err = labelEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding labels: %w", err)
	}

	return payload, nil
}

// EncodeResponse returns a response to query carrying payload.  payload must
// not be longer than [ResponseBudget].  An empty payload produces a response
// without answers.
func (c *Codec) EncodeResponse(query *dns.Msg, payload []byte) (resp *dns.Msg, err error) {
	if len(payload) > ResponseBudget {
		return nil, fmt.Errorf("response payload of %d bytes: %w", len(payload), ErrPayloadTooLarge)
	} else if len(query.Question) != 1 {
		return nil, fmt.Errorf("query: %w", ErrMalformed)
	}

	resp = (&dns.Msg{}).SetReply(query)
	resp.Authoritative = true
	resp.Compress = true

	if opt := query.IsEdns0(); opt != nil {
		resp.SetEdns0(opt.UDPSize(), false)
	}

	if len(payload) == 0 {
		return resp, nil
	}

	resp.Answer = []dns.RR{&dns.TXT{
		Hdr: dns.RR_Header{
			Name:   query.Question[0].Name,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    0,
		},
		Txt: splitString(answerEncoding.EncodeToString(payload), maxTXTStringLen),
	}}

	return resp, nil
}

// DecodeResponse returns the payload carried by resp.  A successful response
// without answers carries an empty payload.
func (c *Codec) DecodeResponse(resp *dns.Msg) (payload []byte, err error) {
	if !resp.Response || len(resp.Question) != 1 {
		return nil, fmt.Errorf("response: %w", ErrMalformed)
	} else if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("response code %s: %w", dns.RcodeToString[resp.Rcode], ErrMalformed)
	}

	qname := resp.Question[0].Name
	if !c.Owns(qname) {
		return nil, fmt.Errorf("response name %q: %w", qname, ErrNotOurDomain)
	}

	b := &strings.Builder{}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok || !strings.EqualFold(txt.Hdr.Name, qname) {
			continue
		}

		for _, s := range txt.Txt {
			b.WriteString(s)
		}
	}

	payload, err = answerEncoding.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("decoding answer: %w", err)
	}

	return payload, nil
}

// splitString splits s into chunks of at most n bytes.
func splitString(s string, n int) (chunks []string) {
	chunks = make([]string, 0, (len(s)+n-1)/n)
	for len(s) > n {
		chunks = append(chunks, s[:n])
		s = s[n:]
	}

	return append(chunks, s)
}
