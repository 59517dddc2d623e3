package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DefaultIdentTimeout is the per-call timeout applied to a reverse DNS
// lookup when the caller doesn't override it.
const DefaultIdentTimeout = 5 * time.Second

// ReverseResolver performs an async reverse-DNS lookup for a connecting
// client's IP, used to populate Connection.Host before registration
// completes. A lookup that doesn't land within the timeout falls back
// to the dotted-quad address, matching how a real ircd never blocks
// registration on a slow or absent PTR record.
type ReverseResolver struct {
	Server  string // e.g. "1.1.1.1:53"; empty uses the system resolver
	Timeout time.Duration
}

// Resolve returns the first PTR name for ip, or ip itself if the lookup
// fails, times out, or returns nothing.
func (r *ReverseResolver) Resolve(ctx context.Context, ip string) string {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultIdentTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.Server == "" {
		names, err := net.DefaultResolver.LookupAddr(ctx, ip)
		if err != nil || len(names) == 0 {
			return ip
		}
		return trimTrailingDot(names[0])
	}

	reverse, err := dns.ReverseAddr(ip)
	if err != nil {
		return ip
	}
	msg := new(dns.Msg)
	msg.SetQuestion(reverse, dns.TypePTR)

	client := new(dns.Client)
	client.Timeout = timeout

	resultCh := make(chan string, 1)
	go func() {
		resp, _, err := client.ExchangeContext(ctx, msg, r.Server)
		if err != nil || resp == nil {
			resultCh <- ip
			return
		}
		for _, ans := range resp.Answer {
			if ptr, ok := ans.(*dns.PTR); ok {
				resultCh <- trimTrailingDot(ptr.Ptr)
				return
			}
		}
		resultCh <- ip
	}()

	select {
	case <-ctx.Done():
		return ip
	case name := <-resultCh:
		return name
	}
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

// identLabel is a small helper for log lines that want "ip (host)" when
// the reverse lookup actually resolved to something other than ip.
func identLabel(ip, host string) string {
	if host == "" || host == ip {
		return ip
	}
	return fmt.Sprintf("%s (%s)", ip, host)
}
