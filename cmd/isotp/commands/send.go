package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/isotpbroker/tp"
)

var responseTimeout time.Duration

func init() {
	sendCmd.Flags().DurationVarP(&responseTimeout, "wait", "w", 0, "wait this long for one response, 0 sends only")
}

var sendCmd = &cobra.Command{
	Use:   "send <hex payload>",
	Short: "Send one message and optionally wait for the response",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		payload, err := parseHex(args)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		responses := make(chan []byte, 1)
		handler := tp.MessageHandlerFunc(func(_ *tp.Channel, _ tp.Address, msg []byte) {
			select {
			case responses <- msg:
			default:
			}
		})
		s, err := open(ctx, handler)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.send(ctx, payload); err != nil {
			return errors.Wrap(err, "send")
		}
		log.WithField("size", len(payload)).Info("message sent")
		if responseTimeout <= 0 {
			return nil
		}

		waitCtx, cancelWait := context.WithTimeout(ctx, responseTimeout)
		defer cancelWait()
		select {
		case msg := <-responses:
			fmt.Printf("% X\n", msg)
			return nil
		case <-waitCtx.Done():
			return errors.Wrap(waitCtx.Err(), "no response")
		}
	},
}
