package smtp

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/busybox42/smtp2graph/internal/access"
)

// headerField is one unfolded header line
type headerField struct {
	name  string
	value string
}

// parseHeaderFields unfolds a raw header section into its fields. Lines
// that are neither a field nor a continuation are ignored.
func parseHeaderFields(raw []byte) []headerField {
	var fields []headerField
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if n := len(fields); n > 0 {
				fields[n-1].value += " " + strings.TrimSpace(string(line))
			}
			continue
		}
		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			continue
		}
		fields = append(fields, headerField{
			name:  strings.TrimSpace(name),
			value: strings.TrimSpace(value),
		})
	}
	return fields
}

// isHeaderLine reports whether line can belong to a header section
func isHeaderLine(line []byte) bool {
	if len(line) == 0 {
		return false
	}
	if line[0] == ' ' || line[0] == '\t' {
		return true
	}
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return false
	}
	// Obsolete syntax allows whitespace between the name and the colon
	name := bytes.TrimRight(line[:i], " \t")
	return len(name) > 0 && !bytes.ContainsAny(name, " \t")
}

func hasField(fields []headerField, name string) bool {
	for _, f := range fields {
		if strings.EqualFold(f.name, name) {
			return true
		}
	}
	return false
}

// visibleRecipients returns the normalized addresses listed in To and Cc
func visibleRecipients(fields []headerField) map[string]struct{} {
	visible := make(map[string]struct{})
	for _, f := range fields {
		if !strings.EqualFold(f.name, "To") && !strings.EqualFold(f.name, "Cc") {
			continue
		}
		for _, addr := range access.ParseAddresses(f.value) {
			visible[access.NormalizeAddress(addr)] = struct{}{}
		}
	}
	return visible
}

// hiddenRecipients returns the envelope recipients that the To and Cc
// headers do not show, in envelope order without duplicates
func hiddenRecipients(fields []headerField, rcpts []string) []string {
	visible := visibleRecipients(fields)
	var hidden []string
	for _, rcpt := range rcpts {
		key := access.NormalizeAddress(rcpt)
		if _, ok := visible[key]; ok {
			continue
		}
		visible[key] = struct{}{}
		hidden = append(hidden, rcpt)
	}
	return hidden
}

// missingHeaders returns the header lines to append to a message so that
// it carries a From header and a Bcc header naming its blind recipients
func missingHeaders(fields []headerField, from string, rcpts []string) []string {
	var extra []string
	if !hasField(fields, "From") && from != "" {
		extra = append(extra, "From: "+from)
	}
	if !hasField(fields, "Bcc") {
		if hidden := hiddenRecipients(fields, rcpts); len(hidden) > 0 {
			extra = append(extra, "Bcc: "+strings.Join(hidden, ", "))
		}
	}
	return extra
}

// receivedHeader builds the trace header prepended to every message
func receivedHeader(helo, remoteIP, hostname, protocol, id string, rcpts []string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Received: from %s (%s)\r\n\tby %s with %s id %s", helo, remoteIP, hostname, protocol, id)
	if len(rcpts) == 1 {
		fmt.Fprintf(&b, "\r\n\tfor <%s>", rcpts[0])
	}
	fmt.Fprintf(&b, "; %s", now.Format(time.RFC1123Z))
	return b.String()
}
