// Package main is phxcat, a netcat for Phoenix channels: it joins a topic,
// prints every event that arrives and pushes the lines read from stdin.
package main

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	phx "github.com/phoenixframework/phoenix-sub000"
)

// CLI command definitions.
var (
	logger = logrus.New()

	flags struct {
		url          string
		token        string
		event        string
		debug        bool
		presence     bool
		longPoll     bool
		fallback     time.Duration
		metricsAddr  string
		params       map[string]string
		socketParams map[string]string
	}

	rootCmd = &cobra.Command{
		Use:          "phxcat [topic]",
		Short:        "Joins a Phoenix channel, prints its events and pushes stdin lines.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.url, "url", envOr("PHX_URL", "ws://localhost:4000/socket"), "socket endpoint (env PHX_URL)")
	f.StringVar(&flags.token, "token", os.Getenv("PHX_TOKEN"), "auth token (env PHX_TOKEN)")
	f.BoolVar(&flags.debug, "debug", os.Getenv("PHX_DEBUG") != "", "debug logging (env PHX_DEBUG)")
	f.StringVar(&flags.event, "event", "new_msg", "event name for pushed lines")
	f.BoolVar(&flags.presence, "presence", false, "print the presence list on every sync")
	f.BoolVar(&flags.longPoll, "longpoll", false, "connect over long polling")
	f.DurationVar(&flags.fallback, "fallback", 0, "fall back to long polling when the websocket is not up after this long")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.StringToStringVar(&flags.params, "param", nil, "join params, key=value")
	f.StringToStringVar(&flags.socketParams, "socket-param", nil, "socket params, key=value")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func toParams(m map[string]string) phx.StaticParams {
	params := make(phx.StaticParams, len(m))
	for k, v := range m {
		params[k] = v
	}
	return params
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	return srv
}

func run(cmd *cobra.Command, args []string) error {
	topic := "room:lobby"
	if len(args) == 1 {
		topic = args[0]
	}

	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(logrus.WarnLevel)
	if flags.debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := &phx.SocketOptions{
		Logger:           logger,
		AuthToken:        flags.token,
		Params:           toParams(flags.socketParams),
		LongPollFallback: flags.fallback,
	}
	if flags.longPoll {
		options.Transport = phx.LongPoll
	}
	if flags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		options.Metrics = phx.NewMetrics(reg)
		srv := serveMetrics(flags.metricsAddr, reg)
		defer srv.Close()
	}

	socket := phx.NewSocket(flags.url, options)
	defer func() {
		socket.Stop()
		<-socket.Done()
	}()

	out := newPrinter(cmd.OutOrStdout())
	joinFailed := make(chan error, 1)
	var channel *phx.Channel

	err := socket.Call(ctx, func() {
		connections := 0
		socket.OnOpen(func() {
			connections++
			logger.WithField("connections", connections).Info("connected")
		})
		socket.OnClose(func(e phx.CloseEvent) {
			logger.WithFields(logrus.Fields{"code": e.Code, "reason": e.Reason}).Info("disconnected")
		})
		socket.Connect()

		channel = socket.Channel(topic, toParams(flags.params))
		channel.OnMessage(func(event string, payload interface{}, _ string, _ string) interface{} {
			if isAppEvent(event) {
				out.event(event, payload)
			}
			return payload
		})
		if flags.presence {
			presence := phx.NewPresence(channel, nil)
			presence.OnSync(func() {
				out.presence(presence.List(func(key string, entry phx.PresenceEntry) interface{} {
					return presenceLine(key, entry)
				}))
			})
		}

		fail := func(err error) {
			select {
			case joinFailed <- err:
			default:
			}
		}
		join, err := channel.Join()
		if err != nil {
			fail(err)
			return
		}
		join.Receive(phx.StatusOK, func(interface{}) {
			logger.WithField("topic", topic).Info("joined")
		}).Receive(phx.StatusError, func(resp interface{}) {
			fail(errors.Errorf("join %s refused: %v", topic, resp))
		}).Receive(phx.StatusTimeout, func(interface{}) {
			logger.WithField("topic", topic).Warn("join timed out, retrying")
		})
	})
	if err != nil {
		return errors.Wrap(err, "start socket failed")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return leave(socket, channel)
		case err := <-joinFailed:
			return err
		case line, ok := <-lines:
			if !ok {
				return leave(socket, channel)
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "status":
				socket.Do(func() {
					out.status(socket.ConnectionState(), socket.TransportName(), channel.State().String())
				})
				continue
			}
			payload := parseLine(line)
			socket.Do(func() {
				push, err := channel.Push(flags.event, payload)
				if err != nil {
					logger.WithError(err).Warn("push failed")
					return
				}
				push.Receive(phx.StatusError, func(resp interface{}) {
					logger.WithField("response", resp).Warn("push refused")
				}).Receive(phx.StatusTimeout, func(interface{}) {
					logger.Warn("push timed out")
				})
			})
		}
	}
}

// leave leaves the channel and closes the socket, giving each step a
// bounded amount of time.
func leave(socket *phx.Socket, channel *phx.Channel) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	left := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)
	err := socket.Call(ctx, func() {
		channel.OnClose(func(interface{}) {
			select {
			case left <- struct{}{}:
			default:
			}
		})
		channel.Leave()
	})
	if err != nil {
		return errors.Wrap(err, "leave failed")
	}

	select {
	case <-left:
	case <-ctx.Done():
		logger.Warn("leave not acknowledged")
	}

	err = socket.Call(ctx, func() {
		socket.Disconnect(func() { closed <- struct{}{} })
	})
	if err != nil {
		return errors.Wrap(err, "disconnect failed")
	}
	select {
	case <-closed:
	case <-ctx.Done():
	}
	return nil
}
