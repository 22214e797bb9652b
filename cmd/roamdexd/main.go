// Command roamdexd indexes an outline document tree and serves its graph
// over a WebSocket API.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
