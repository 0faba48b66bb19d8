// Command mail-relay accepts mail from local applications and delivers it
// through Microsoft Graph with OAuth2 tokens, or through a legacy transport.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
