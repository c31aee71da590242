package commands

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/isotpbroker/firmware"
)

var flashBlockSize int

func init() {
	flashCmd.Flags().IntVar(&flashBlockSize, "block-size", 1024, "image bytes per message")
}

var flashCmd = &cobra.Command{
	Use:   "flash <image.hex>",
	Short: "Send an Intel HEX image block by block, each prefixed with its address",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		img, err := firmware.LoadIntelHex(f, flashBlockSize)
		f.Close() // nolint: errcheck
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"blocks": len(img.Blocks),
			"bytes":  img.Size(),
		}).Info("image loaded")

		ctx, cancel := signalContext()
		defer cancel()
		s, err := open(ctx, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		for i, b := range img.Blocks {
			if err := s.send(ctx, b.Message()); err != nil {
				return errors.Wrapf(err, "block %d at 0x%08X", i, b.Address)
			}
			log.WithFields(logrus.Fields{
				"block":   i + 1,
				"of":      len(img.Blocks),
				"address": b.Address,
			}).Debug("block sent")
		}
		log.Info("image sent")
		return nil
	},
}
