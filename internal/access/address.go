package access

import (
	"net/mail"
	"regexp"
	"strings"
)

var (
	angleAddrPattern = regexp.MustCompile(`<([^<>\s]+@[^<>\s]+)>`)
	bareAddrPattern  = regexp.MustCompile(`[^\s<>",;:()]+@[^\s<>",;:()]+`)
)

// ParseAddresses returns the addresses in a header value such as To or Cc.
// Values that are not valid RFC 5322 address lists are scanned for anything
// that looks like an address instead, so a sloppy header still yields its
// recipients.
func ParseAddresses(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	if list, err := mail.ParseAddressList(value); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}

	var out []string
	if m := angleAddrPattern.FindAllStringSubmatch(value, -1); len(m) > 0 {
		for _, sub := range m {
			out = append(out, sub[1])
		}
		return out
	}
	return bareAddrPattern.FindAllString(value, -1)
}

// FirstAddress returns the first address in a header value, or ""
func FirstAddress(value string) string {
	if addrs := ParseAddresses(value); len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}
