package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/cmdsock"
	"github.com/Zereker/cmdsock/internal/config"
)

// connectFlags are the message and runtime settings of the connect command.
type connectFlags struct {
	extension   string
	commandID   int
	commandName string
	body        string
	count       int
	metricsAddr string
	once        bool
}

func connectCmd() *cobra.Command {
	var f connectFlags

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a peer, send messages and print what comes back",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = f.metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runConnect(ctx, cfg, f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.extension, "ext", "echo", "extension of the sent message")
	cmd.Flags().IntVar(&f.commandID, "cmd-id", 1, "command id of the sent message")
	cmd.Flags().StringVar(&f.commandName, "cmd-name", "", "command name of the sent message (takes precedence over --cmd-id)")
	cmd.Flags().StringVar(&f.body, "body", "", "message body")
	cmd.Flags().IntVar(&f.count, "count", 1, "number of messages to send")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.once, "once", false, "exit after the first reply")
	return cmd
}

func runConnect(ctx context.Context, cfg config.Config, f connectFlags, out io.Writer) error {
	logger := newLogger(cfg)
	reg := prometheus.NewRegistry()

	codec, err := cmdsock.NewCBORCodec()
	if err != nil {
		return err
	}

	connected := make(chan struct{})
	disconnected := make(chan struct{})
	replied := make(chan struct{}, 1)
	var closeOnce sync.Once

	opts := append(cfg.ClientOptions(),
		cmdsock.CodecOption(codec),
		cmdsock.LoggerOption(logger),
		cmdsock.MetricsOption(cmdsock.NewMetrics(reg, "")),
		cmdsock.OnConnectedOption(func(*cmdsock.Client) { close(connected) }),
		cmdsock.OnDisconnectedOption(func(*cmdsock.Client) {
			closeOnce.Do(func() { close(disconnected) })
		}),
		cmdsock.OnSendFailedOption(func(_ *cmdsock.Client, err error, reason string) {
			logger.Error(reason, "error", err)
		}),
		cmdsock.OnMessageReceivedOption(func(_ *cmdsock.Client, payload []byte) {
			fmt.Fprintf(out, "received frame: %d bytes\n", len(payload))
			select {
			case replied <- struct{}{}:
			default:
			}
		}),
	)

	client, err := cmdsock.NewClient(opts...)
	if err != nil {
		return err
	}
	defer client.Dispose()

	route := commandOf(f)
	err = client.AddHandler(f.extension, route, func(ev *cmdsock.Event) {
		fmt.Fprintf(out, "%s: %q\n", cmdsock.RouteKey(ev.Message), ev.Message.Body)
	})
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	group.Go(func() error {
		return converse(ctx, client, codec, cfg, f, connected, disconnected, replied)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errDone) {
		return nil
	}
	return err
}

// errDone ends the errgroup once the conversation is over.
var errDone = errors.New("done")

func converse(ctx context.Context, client *cmdsock.Client, codec *cmdsock.CBORCodec, cfg config.Config,
	f connectFlags, connected, disconnected, replied <-chan struct{}) error {
	if err := client.StartContext(ctx, cfg.Address, cfg.Port); err != nil {
		return err
	}

	select {
	case <-connected:
	case <-disconnected:
		return errors.Errorf("could not connect to %s:%d", cfg.Address, cfg.Port)
	case <-ctx.Done():
		return ctx.Err()
	}

	payload, err := codec.Encode(cmdsock.Envelope{
		Extension:   f.extension,
		CommandID:   f.commandID,
		CommandName: f.commandName,
		Body:        []byte(f.body),
	})
	if err != nil {
		return err
	}
	for i := 0; i < f.count; i++ {
		client.Send(payload, len(payload))
	}

	if f.once {
		select {
		case <-replied:
			return errDone
		case <-disconnected:
			return errDone
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-disconnected:
		return errDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func commandOf(f connectFlags) cmdsock.Command {
	if strings.TrimSpace(f.commandName) != "" {
		return cmdsock.CommandName(f.commandName)
	}
	return cmdsock.CommandID(f.commandID)
}
