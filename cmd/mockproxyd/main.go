// mockproxyd is the standalone server wrapping engine.Instance and
// control.Gateway behind a CLI: it binds a data-plane port (the proxy
// itself) and a control-plane port (the remote-control websocket), then
// runs until interrupted.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mockproxyd:", err)
		os.Exit(1)
	}
}
