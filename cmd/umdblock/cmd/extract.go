package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/javi11/umdblock/internal/blockdev"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func init() {
	extractCmd := &cobra.Command{
		Use:   "extract <image> <out.iso>",
		Short: "Decode every block of an image into a raw ISO file",
		Args:  cobra.ExactArgs(2),
		RunE:  runExtract,
	}

	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	dev, err := blockdev.Open(afero.NewOsFs(), args[0], deviceOptions()...)
	if err != nil {
		return err
	}
	defer dev.Close()

	out, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	buf := make([]byte, dev.BlockSize())

	var failed uint32
	total := dev.NumBlocks()
	for n := uint32(0); n < total; n++ {
		if !dev.ReadBlock(n, buf) {
			failed++
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write block %d: %w", n, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	log.Info("extraction finished", "blocks", total, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d blocks failed to decode", failed, total)
	}
	return nil
}
