// Command gatekeep runs the in-line MCP governance gateway.
package main

import "github.com/sentinelops/gatekeep/cmd/gatekeep/cmd"

func main() {
	cmd.Execute()
}
