package cli

import (
	"github.com/spf13/cobra"
)

// cobraCommand is implemented by the commands shared by the directory
// executables.
type cobraCommand interface {
	Build() *cobra.Command
}
