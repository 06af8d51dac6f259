package generate

import (
	"github.com/spf13/cobra"

	genconfig "github.com/veidt/patchtap/cmd/generate/config"
)

var (
	Cmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate project files",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.AddCommand(genconfig.Cmd)
}
