// Package version holds build-time version information for the casechat binary.
// The variables are populated at build time via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/casechat/internal/version.Version=v1.2.3 \
//	                    -X github.com/54b3r/casechat/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/casechat/internal/version.BuildDate=2026-01-01"
//
// Without ldflags (e.g. `go run`) the values fall back to readable defaults.
package version

import "fmt"

// Version is the semantic version of the binary. Defaults to "dev".
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC build date (RFC3339).
var BuildDate = "unknown"

// String renders the one-line form printed by `casechat version` and
// reported by GET /api/health.
func String() string {
	return fmt.Sprintf("casechat %s (commit: %s, built: %s)", Version, Commit, BuildDate)
}
