package cmd

import (
	"fmt"

	"github.com/javi11/umdblock/internal/blockdev"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func init() {
	infoCmd := &cobra.Command{
		Use:   "info <image>",
		Short: "Open an image and print its block geometry",
		Long: `Open an image through the block device layer and print its container
format and geometry. NPDRM images require external MAC/cipher/LZRC engines
and cannot be opened by this tool.`,
		Args: cobra.ExactArgs(1),
		RunE: runInfo,
	}

	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	dev, err := blockdev.Open(afero.NewOsFs(), args[0], deviceOptions()...)
	if err != nil {
		return err
	}
	defer dev.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "blocks:      %d\n", dev.NumBlocks())
	fmt.Fprintf(out, "block size:  %d\n", dev.BlockSize())
	fmt.Fprintf(out, "total bytes: %d\n", uint64(dev.NumBlocks())*uint64(dev.BlockSize()))

	switch d := dev.(type) {
	case *blockdev.CISODevice:
		fmt.Fprintf(out, "format:      ciso\n")
		fmt.Fprintf(out, "frame size:  %d\n", d.FrameSize())
	case *blockdev.NPDRMDevice:
		fmt.Fprintf(out, "format:      npdrm\n")
		fmt.Fprintf(out, "unit size:   %d\n", d.UnitSize())
	default:
		fmt.Fprintf(out, "format:      plain\n")
	}
	return nil
}
