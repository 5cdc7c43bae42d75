// Package version carries build information set at link time
package version

import "fmt"

// Set with -ldflags "-X github.com/busybox42/smtp2graph/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Product is the name used in banners and the HTTP User-Agent
const Product = "SMTP2Graph"

// UserAgent returns the User-Agent sent to the Graph API
func UserAgent() string {
	return Product + "/" + Version
}

// Banner returns the default SMTP greeting text
func Banner() string {
	return Product + " " + Version
}

// String returns the long version string printed by the CLI
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}
