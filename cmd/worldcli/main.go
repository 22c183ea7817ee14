// Command worldcli talks to a World Engine shard through its Nakama relay.
package main

import (
	"fmt"
	"os"

	"github.com/argus-labs/world-engine-client/pkg/telemetry/sentry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	defer sentry.Recover()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
