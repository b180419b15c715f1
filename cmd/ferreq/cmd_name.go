package main

import (
	"fmt"

	"github.com/nadmax/ferreq/internal/naming"
	"github.com/spf13/cobra"
)

func newNameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "name",
		Short: "Encode or decode spectrum name tokens",
	}
	cmd.AddCommand(newNameEncodeCmd(), newNameDecodeCmd())
	return cmd
}

func newNameEncodeCmd() *cobra.Command {
	var n naming.Name

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the name token for a spectrum",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := naming.Encode(n)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&n.Task, "task", 0, "task index within the bundle")
	f.IntVar(&n.Product, "product", 0, "data product index within the task")
	f.IntVar(&n.Spectrum, "spectrum", 0, "spectrum index within the data product")
	f.IntVar(&n.Visit, "visit", 0, "visit index")
	f.Float64Var(&n.SNR, "snr", 0, "signal-to-noise ratio")
	f.StringVar(&n.ObjectID, "object", "", "object identifier (required)")
	_ = cmd.MarkFlagRequired("object")
	return cmd
}

func newNameDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <token>...",
		Short: "Print the fields of name tokens",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, token := range args {
				n, err := naming.Decode(token)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "task=%d product=%d spectrum=%d visit=%d snr=%.1f object=%s\n",
					n.Task, n.Product, n.Spectrum, n.Visit, n.SNR, n.ObjectID)
			}
			return nil
		},
	}
}
