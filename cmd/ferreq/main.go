// ferreq runs bundles locally and inspects their results.
//
// Usage:
//
//	ferreq run bundle.yaml [--grid a.hdr --grid b.hdr]
//	ferreq select product.json... [--penalties table.yaml] [--format yaml|json]
//	ferreq name encode --task 0 --product 1 --spectrum 0 --visit 0 --snr 85.3 --object 2M00
//	ferreq name decode 0_1_0_0_85.3_2M00
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

type globalFlags struct {
	config string
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:   "ferreq",
		Short: "Run FERRE bundles and select results across grids",
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.config, "config", os.Getenv("FERREQ_CONFIG"), "path to a YAML configuration file")

	root.AddCommand(newRunCmd(&g))
	root.AddCommand(newSelectCmd())
	root.AddCommand(newNameCmd())
	root.Version = version
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
