// Command mcpbridge manages MCP tool-server sessions from the command line:
// it opens sessions against Streamable-HTTP MCP endpoints, inspects and
// invokes their tool catalogs, and tears sessions down. Session state is
// shared through Redis, so ids printed by one invocation resolve in the next.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
