package cmd

import (
	"fmt"
	"io"

	"github.com/javi11/umdblock/internal/blockdev"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func init() {
	sniffCmd := &cobra.Command{
		Use:   "sniff <image>",
		Short: "Print the detected container format of an image",
		Args:  cobra.ExactArgs(1),
		RunE:  runSniff,
	}

	rootCmd.AddCommand(sniffCmd)
}

func runSniff(cmd *cobra.Command, args []string) error {
	f, err := afero.NewOsFs().Open(args[0])
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var magic [4]byte
	n, _ := io.ReadFull(f, magic[:])

	fmt.Fprintln(cmd.OutOrStdout(), blockdev.DetectFormat(magic[:n]))
	return nil
}
