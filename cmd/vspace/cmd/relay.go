package cmd

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vspaced/vspace/internal/registry"
	"github.com/vspaced/vspace/pkg/vspsgl"
)

const (
	laddrFlag        = "laddr"
	heartbeatFlag    = "heartbeat"
	tickFlag         = "tick"
	roomScopedFlag   = "room-scoped"
	requireLoginFlag = "require-login"
	iceFlag          = "ice"
	staticFlag       = "static"
)

func addInterruptHandler(cancel func(), closer io.Closer, before func()) {
	s := make(chan os.Signal, 1)
	signal.Notify(s, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-s

		if before != nil {
			before()
		}

		log.Debug().Msg("Gracefully shutting down")

		go func() {
			<-s

			log.Debug().Msg("Forcing shutdown")

			cancel()

			os.Exit(1)
		}()

		if err := closer.Close(); err != nil {
			panic(err)
		}

		cancel()
	}()
}

var relayCmd = &cobra.Command{
	Use:     "relay",
	Aliases: []string{"rly", "r"},
	Short:   "Start a presence & signaling relay",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.PersistentFlags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		addr, err := net.ResolveTCPAddr("tcp", viper.GetString(laddrFlag))
		if err != nil {
			return err
		}

		if port := os.Getenv("PORT"); port != "" {
			log.Debug().Msg("Using port from PORT env variable")

			p, err := strconv.Atoi(port)
			if err != nil {
				return err
			}

			addr.Port = p
		}

		signaler := vspsgl.NewSignaler(
			addr.String(),
			registry.NewRegistry(),
			&vspsgl.SignalerConfig{
				Heartbeat:    viper.GetDuration(heartbeatFlag),
				Tick:         viper.GetDuration(tickFlag),
				RoomScoped:   viper.GetBool(roomScopedFlag),
				RequireLogin: viper.GetBool(requireLoginFlag),
				ICEServers:   viper.GetStringSlice(iceFlag),
				StaticDir:    viper.GetString(staticFlag),
				OnConnect: func(id, room string) {
					log.Info().
						Str("id", id).
						Str("room", room).
						Msg("Connected to client")
				},
				OnDisconnect: func(id, room string, err interface{}) {
					log.Info().
						Str("id", id).
						Str("room", room).
						Msg("Disconnected from client")
				},
			},
			ctx,
		)

		if err := signaler.Open(); err != nil {
			return err
		}
		addInterruptHandler(cancel, signaler, nil)

		log.Info().
			Str("address", signaler.Addr().String()).
			Msg("Listening")

		return signaler.Wait()
	},
}

func init() {
	relayCmd.PersistentFlags().String(laddrFlag, ":8080", "Listening address (can also be set using the PORT env variable)")
	relayCmd.PersistentFlags().Duration(heartbeatFlag, time.Second*10, "Time to wait for heartbeats")
	relayCmd.PersistentFlags().Duration(tickFlag, time.Millisecond*100, "Time between positions broadcasts")
	relayCmd.PersistentFlags().Bool(roomScopedFlag, false, "Scope discovery and broadcasts to rooms")
	relayCmd.PersistentFlags().Bool(requireLoginFlag, false, "Require a join message with a username before activating a connection")
	relayCmd.PersistentFlags().StringSlice(iceFlag, []string{"stun:stun.l.google.com:19302"}, "Comma-separated list of ICE servers to hand to new participants (in format stun:host:port or username:credential@turn:host:port)")
	relayCmd.PersistentFlags().String(staticFlag, "", "Directory with the web client to serve on non-WebSocket requests (optional)")

	viper.AutomaticEnv()

	rootCmd.AddCommand(relayCmd)
}
