package graph

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/busybox42/smtp2graph/internal/access"
)

// ResolveSender returns the address of the first From or Sender header that
// carries one. Only the header block is read; CRLF and LF line endings are
// both accepted and folded header lines are unfolded.
func ResolveSender(r io.Reader) (string, error) {
	br := bufio.NewReader(r)

	var current string
	flush := func() string {
		defer func() { current = "" }()
		name, value, ok := strings.Cut(current, ":")
		if !ok {
			return ""
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "from", "sender":
			return access.FirstAddress(value)
		}
		return ""
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")

		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && current != "" {
			current += " " + strings.TrimSpace(line)
		} else {
			if addr := flush(); addr != "" {
				return addr, nil
			}
			if line == "" {
				return "", ErrNoSender
			}
			current = line
		}

		if errors.Is(err, io.EOF) {
			if addr := flush(); addr != "" {
				return addr, nil
			}
			return "", ErrNoSender
		}
	}
}

// ResolveSenderFile is ResolveSender for a message file
func ResolveSenderFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ResolveSender(f)
}
