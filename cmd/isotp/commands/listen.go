package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/isotpbroker/tp"
)

var echo bool

func init() {
	listenCmd.Flags().BoolVar(&echo, "echo", false, "send every received message back")
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print every message received on the channel until interrupted",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		signer, err := cfg.signer()
		if err != nil {
			return err
		}
		handler := tp.MessageHandlerFunc(func(ch *tp.Channel, sender tp.Address, msg []byte) {
			fmt.Printf("%s  [%d]  % X\n", sender, len(msg), msg)
			if echo {
				// 在调度协程中不能等待发送完成
				reply := msg
				if signer != nil {
					reply = signer.Sign(reply)
				}
				ch.Send(reply)
			}
		})
		s, err := open(ctx, handler)
		if err != nil {
			return err
		}
		defer s.Close()
		log.WithField("channel", s.channel.Addresses().String()).Info("listening")

		select {
		case <-ctx.Done():
			return nil
		case <-s.broker.Done():
			return s.broker.Err()
		}
	},
}
