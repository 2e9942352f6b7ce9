// Command mcpforged runs the template deployment and gateway platform
// described by the project's core specification: it loads templates,
// starts the configured backend, and serves the gateway's HTTP surface.
package main

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	SetVersion(version)
	Execute()
}
