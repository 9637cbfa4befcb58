// Package version reports the build version of the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is set with -ldflags "-X github.com/MEKXH/waybill/internal/version.Version=v1.2.3".
// Builds from go install fall back to the module version.
var Version = "dev"

func init() {
	if Version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
}

// String returns "waybill <version> <os>/<arch>".
func String() string {
	return fmt.Sprintf("waybill %s %s/%s", Version, runtime.GOOS, runtime.GOARCH)
}
