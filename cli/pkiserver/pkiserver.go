// Executable PrivMX PKI directory server. Run "pkiserver init" to create
// a configuration and "pkiserver run" to serve it.
package main

import (
	"github.com/LarsSch/privmx-sub001/cli"
	"github.com/LarsSch/privmx-sub001/cli/pkiserver/internal/cmd"
)

func main() {
	cli.ExecuteRoot(cmd.RootCmd)
}
