package commands

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/isotpbroker/driver"
	"github.com/LoveWonYoung/isotpbroker/logrecorder"
	"github.com/LoveWonYoung/isotpbroker/metrics"
	"github.com/LoveWonYoung/isotpbroker/pduauth"
	"github.com/LoveWonYoung/isotpbroker/tp"
)

var log = logrus.StandardLogger().WithField("component", "isotp-cli")

type rootCfg struct {
	driver   string
	iface    string
	txID     uint32
	rxID     uint32
	extended bool

	separationTime time.Duration
	blockSize      int
	fcTimeout      time.Duration
	cfTimeout      time.Duration
	maxWaitFrames  int
	dataLength     int
	padding        int
	maxMessageSize int

	logPrefix   string
	logLevel    string
	trace       bool
	metricsAddr string

	cmacKey string
	tagSize int
}

var cfg rootCfg

var rootCmd = &cobra.Command{
	Use:   "isotp",
	Short: "ISO-TP (ISO 15765-2) tool for SocketCAN and Toomoss USB2XXX adapters",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		lvl, err := logrus.ParseLevel(cfg.logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(lvl)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&cfg.driver, "driver", "d", "socketcan", "transceiver: socketcan or toomoss")
	f.StringVarP(&cfg.iface, "iface", "i", "vcan0", "CAN interface, or the adapter channel index for toomoss")
	f.Uint32VarP(&cfg.txID, "tx", "t", tp.SFFECURequestBase, "transmit CAN id")
	f.Uint32VarP(&cfg.rxID, "rx", "r", 0, "receive CAN id, 0 derives it from --tx")
	f.BoolVarP(&cfg.extended, "ext", "e", false, "use 29-bit identifiers")

	defaults := tp.DefaultProtocolParameters()
	f.DurationVar(&cfg.separationTime, "st", defaults.SeparationTime, "minimum separation time between consecutive frames")
	f.IntVar(&cfg.blockSize, "bs", defaults.BlockSize, "block size advertised in flow control, 0 for unlimited")
	f.DurationVar(&cfg.fcTimeout, "fc-timeout", defaults.FlowControlTimeout, "flow control timeout (N_Bs), 0 disables")
	f.DurationVar(&cfg.cfTimeout, "cf-timeout", defaults.ConsecutiveFrameTimeout, "consecutive frame timeout (N_Cr), 0 disables")
	f.IntVar(&cfg.maxWaitFrames, "max-wait", defaults.MaxWaitFrames, "maximum number of WAIT flow control frames")
	f.IntVar(&cfg.dataLength, "dl", defaults.DataLength, "frame data length: 8, or 12..64 for CAN FD")
	f.IntVar(&cfg.padding, "padding", -1, "padding byte 0..255, -1 disables padding")
	f.IntVar(&cfg.maxMessageSize, "max-size", defaults.MaxMessageSize, "largest accepted message")

	f.StringVar(&cfg.logPrefix, "log", "", "write logs to ./YYYY_MM_DD/<prefix><time>.log")
	f.StringVar(&cfg.logLevel, "log-level", "info", "log level")
	f.BoolVar(&cfg.trace, "trace", false, "log every CAN frame")
	f.StringVarP(&cfg.metricsAddr, "metrics", "m", "", "address to bind metrics API to")

	f.StringVar(&cfg.cmacKey, "cmac-key", "", "hex AES key; messages carry a truncated CMAC tag")
	f.IntVar(&cfg.tagSize, "tag-size", pduauth.DefaultTagSize, "CMAC tag length in bytes")

	rootCmd.AddCommand(sendCmd, listenCmd, flashCmd)
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (c rootCfg) parameters() (tp.ProtocolParameters, error) {
	p := tp.DefaultProtocolParameters().
		WithSeparationTime(c.separationTime).
		WithBlockSize(c.blockSize).
		WithFlowControlTimeout(c.fcTimeout).
		WithConsecutiveFrameTimeout(c.cfTimeout).
		WithMaxWaitFrames(c.maxWaitFrames).
		WithDataLength(c.dataLength).
		WithMaxMessageSize(c.maxMessageSize)
	switch {
	case c.padding > 0xFF:
		return p, errors.Errorf("padding byte out of range: %d", c.padding)
	case c.padding >= 0:
		p = p.WithPadding(byte(c.padding))
	}
	return p, p.Validate()
}

func (c rootCfg) addresses() (tp.AddressPair, error) {
	tx, err := tp.NewAddress(c.txID, c.extended)
	if err != nil {
		return tp.AddressPair{}, err
	}
	if c.rxID == 0 {
		rx, err := tp.ReturnAddress(tx)
		if err != nil {
			return tp.AddressPair{}, errors.Wrap(err, "pass --rx explicitly")
		}
		return tp.AddressPair{Tx: tx, Rx: rx}, nil
	}
	rx, err := tp.NewAddress(c.rxID, c.extended)
	if err != nil {
		return tp.AddressPair{}, err
	}
	return tp.NewAddressPair(tx, rx)
}

func (c rootCfg) transceiver(params tp.ProtocolParameters) (driver.Transceiver, error) {
	switch c.driver {
	case "socketcan":
		var opts []driver.SocketCANOption
		if params.IsFD() {
			opts = append(opts, driver.WithFDFrames())
		}
		return driver.NewSocketCAN(opts...)
	case "toomoss":
		return driver.NewToomoss()
	}
	return nil, errors.Errorf("unknown driver %q", c.driver)
}

func (c rootCfg) signer() (*pduauth.Signer, error) {
	if c.cmacKey == "" {
		return nil, nil
	}
	key, err := pduauth.ParseKey(c.cmacKey)
	if err != nil {
		return nil, err
	}
	return pduauth.NewSigner(key, c.tagSize)
}

// session is one bound broker with a single channel.
type session struct {
	broker  *tp.Broker
	channel *tp.Channel
	signer  *pduauth.Signer
	rec     *logrecorder.Recorder
}

func (s *session) send(ctx context.Context, payload []byte) error {
	if s.signer != nil {
		payload = s.signer.Sign(payload)
	}
	return s.channel.SendAndWait(ctx, payload)
}

func (s *session) Close() {
	if err := s.broker.Close(); err != nil {
		log.WithError(err).Warn("close broker")
	}
	if s.rec != nil {
		s.rec.Close() // nolint: errcheck
	}
}

// open starts logging and metrics, binds a broker on the configured interface
// and creates the channel. Received messages go to handler.
func open(ctx context.Context, handler tp.MessageHandler) (*session, error) {
	s := &session{}
	if cfg.logPrefix != "" {
		rec, err := logrecorder.InitAndRotate(ctx, cfg.logPrefix)
		if err != nil {
			return nil, err
		}
		s.rec = rec
	}

	params, err := cfg.parameters()
	if err != nil {
		return nil, err
	}
	pair, err := cfg.addresses()
	if err != nil {
		return nil, err
	}
	if s.signer, err = cfg.signer(); err != nil {
		return nil, err
	}

	recorder := metrics.NewDummy()
	if cfg.metricsAddr != "" {
		recorder = metrics.NewPrometheus("isotp")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
				log.WithError(err).Error("Failed to start metrics API")
			}
		}()
	}

	tr, err := cfg.transceiver(params)
	if err != nil {
		return nil, err
	}
	if cfg.trace {
		tr = driver.NewLoggedTransceiver(tr, logrus.StandardLogger(), logrus.InfoLevel, driver.LogAll)
	}

	b, err := tp.NewBroker(tr,
		tp.WithProtocolParameters(params),
		tp.WithMetrics(recorder))
	if err != nil {
		tr.Close() // nolint: errcheck
		return nil, err
	}
	s.broker = b
	if err := b.Bind(cfg.iface); err != nil {
		s.Close()
		return nil, err
	}

	errs := tp.ErrorHandlerFunc(func(_ *tp.Channel, err error) {
		log.WithError(err).Warn("receive failed")
	})
	if s.signer != nil && handler != nil {
		handler = pduauth.VerifyingHandler(s.signer, handler, errs)
	}
	if s.channel, err = b.CreateChannel(pair, handler, tp.WithErrorHandler(errs)); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseHex(args []string) ([]byte, error) {
	s := strings.NewReplacer(" ", "", ":", "").Replace(strings.Join(args, ""))
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "payload must be hex")
	}
	return data, nil
}
