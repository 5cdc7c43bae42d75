package access

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/busybox42/smtp2graph/internal/config"
)

// NormalizeAddress returns the form used to compare addresses case-insensitively
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return cases.Fold().String(norm.NFC.String(addr))
}

type addressSet map[string]struct{}

func newAddressSet(addrs []string) addressSet {
	if len(addrs) == 0 {
		return nil
	}
	s := make(addressSet, len(addrs))
	for _, a := range addrs {
		s[NormalizeAddress(a)] = struct{}{}
	}
	return s
}

func (s addressSet) contains(addr string) bool {
	_, ok := s[NormalizeAddress(addr)]
	return ok
}

// SenderPolicy decides which envelope senders a session may use. A user's
// own list wins over the global list; with neither configured every sender
// is allowed. Empty lists count as not configured.
type SenderPolicy struct {
	global  addressSet
	perUser map[string]addressSet
}

// NewSenderPolicy builds the policy from the global list and the user records
func NewSenderPolicy(global []string, users []config.User) *SenderPolicy {
	p := &SenderPolicy{
		global:  newAddressSet(global),
		perUser: make(map[string]addressSet),
	}
	for _, u := range users {
		if set := newAddressSet(u.AllowedFrom); set != nil {
			p.perUser[u.Username] = set
		}
	}
	return p
}

// Allowed reports whether from may be used by user. user is empty for
// unauthenticated sessions.
func (p *SenderPolicy) Allowed(from, user string) bool {
	if user != "" {
		if set, ok := p.perUser[user]; ok {
			return set.contains(from)
		}
	}
	if p.global != nil {
		return p.global.contains(from)
	}
	return true
}
