// Executable PrivMX PKI client. It registers the user's key store at
// the home directory and looks up key stores of any domain, verifying
// every answer.
package main

import (
	"github.com/LarsSch/privmx-sub001/cli"
	"github.com/LarsSch/privmx-sub001/cli/pkiclient/internal/cmd"
)

func main() {
	cli.ExecuteRoot(cmd.RootCmd)
}
