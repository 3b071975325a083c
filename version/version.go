// Package version provides the shellgate version strings.
package version

import (
	_ "embed"
	"fmt"
	"runtime"
	"strings"
)

//go:embed VERSION
var baseVersion string

// buildVersion can be set at compile time:
//
//	go build -ldflags "-X github.com/shellgate/shellgate/version.buildVersion=abc"
var buildVersion string

func Version() string {
	return strings.TrimSpace(baseVersion)
}

func BuildVersion() string {
	if buildVersion == "" {
		return "dev"
	}
	return buildVersion
}

// FullVersion is what --version prints.
func FullVersion() string {
	return fmt.Sprintf("shellgate/%s.%s (%s; %s)", Version(), BuildVersion(), runtime.GOOS, runtime.GOARCH)
}
