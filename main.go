// The main package for the linuxdo-checkin executable.
//
// A run walks every configured account in order. Each account gets its own
// session client and headless browser, a wall-clock budget, and a guaranteed
// teardown of the browser when the budget expires. Failures stay with the
// account that caused them; the batch always finishes with one notification
// sent through Gotify and/or ServerChan³ when they are configured.
//
// Run locally:
//
//	LINUXDO_ACCOUNTS="alice:secret" BROWSE_ENABLED=false go run .
package main

import (
	"github.com/JakeFAU/linuxdo-checkin/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
