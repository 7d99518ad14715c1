package cmd

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vspaced/vspace/pkg/vspconn"
	"golang.org/x/sync/errgroup"
)

const (
	raddrFlag      = "raddr"
	usernameFlag   = "username"
	roomFlag       = "room"
	timeoutFlag    = "timeout"
	intervalFlag   = "interval"
	strideFlag     = "stride"
	forceRelayFlag = "force-relay"
)

type greeting struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

var wanderCmd = &cobra.Command{
	Use:     "wander",
	Aliases: []string{"wdr", "w"},
	Short:   "Join a virtual space as a headless participant and walk around",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		username := viper.GetString(usernameFlag)
		if strings.TrimSpace(username) == "" {
			username = "wanderer-" + uuid.NewString()[:8]
		}

		u, err := url.Parse(viper.GetString(raddrFlag))
		if err != nil {
			return err
		}

		if room := viper.GetString(roomFlag); strings.TrimSpace(room) != "" {
			q := u.Query()
			q.Set("room", room)
			u.RawQuery = q.Encode()
		}

		adapter := vspconn.NewAdapter(
			u.String(),
			viper.GetStringSlice(iceFlag),
			&vspconn.AdapterConfig{
				Timeout:    viper.GetDuration(timeoutFlag),
				Username:   username,
				Room:       viper.GetString(roomFlag),
				ForceRelay: viper.GetBool(forceRelayFlag),
				OnSignalerReconnect: func() {
					log.Info().
						Str("raddr", u.String()).
						Msg("Reconnecting to relay")
				},
			},
			ctx,
		)

		ids, err := adapter.Open()
		if err != nil {
			return err
		}
		addInterruptHandler(cancel, adapter, nil)

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case id := <-ids:
					log.Info().
						Str("id", id).
						Str("username", username).
						Msg("Joined the space")
				case positions := <-adapter.Positions():
					log.Debug().
						Int("participants", len(positions)).
						Msg("Received positions snapshot")
				}
			}
		})

		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case peer := <-adapter.Accept():
					log.Info().
						Str("peer", peer.PeerID).
						Msg("Connected to peer")

					p, err := json.Marshal(greeting{Type: "greeting", Username: username})
					if err != nil {
						return err
					}

					if _, err := peer.Conn.Write(p); err != nil {
						log.Debug().
							Err(err).
							Str("peer", peer.PeerID).
							Msg("Could not greet peer")

						continue
					}

					go func(peer *vspconn.Peer) {
						buf := make([]byte, 65535)
						for {
							n, err := peer.Conn.Read(buf)
							if err != nil {
								log.Debug().
									Err(err).
									Str("peer", peer.PeerID).
									Msg("Disconnected from peer")

								return
							}

							var j interface{}
							if err := json.Unmarshal(buf[:n], &j); err != nil {
								continue
							}

							var gr greeting
							if err := mapstructure.Decode(j, &gr); err != nil {
								continue
							}

							if gr.Type == "greeting" {
								log.Info().
									Str("peer", peer.PeerID).
									Str("username", gr.Username).
									Msg("Greeted by peer")
							}
						}
					}(peer)
				}
			}
		})

		g.Go(func() error {
			ticker := time.NewTicker(viper.GetDuration(intervalFlag))
			defer ticker.Stop()

			stride := viper.GetFloat64(strideFlag)
			position := [3]float64{0, 0.5, 0}
			rotation := [4]float64{0, 0, 0, 1}

			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					position[0] += (rand.Float64() - 0.5) * stride
					position[2] += (rand.Float64() - 0.5) * stride

					if err := adapter.SendMove(position, rotation); err != nil {
						return err
					}
				}
			}
		})

		return g.Wait()
	},
}

func init() {
	wanderCmd.PersistentFlags().String(raddrFlag, "ws://localhost:8080/", "Relay address")
	wanderCmd.PersistentFlags().String(usernameFlag, "", "Username to join with (a random one is generated if empty)")
	wanderCmd.PersistentFlags().String(roomFlag, "", "Room to join on room-scoped relays")
	wanderCmd.PersistentFlags().Duration(timeoutFlag, time.Second*10, "Time to wait before reconnecting to the relay")
	wanderCmd.PersistentFlags().Duration(intervalFlag, time.Millisecond*500, "Time between moves")
	wanderCmd.PersistentFlags().Float64(strideFlag, 1, "Maximum distance of one move")
	wanderCmd.PersistentFlags().StringSlice(iceFlag, []string{"stun:stun.l.google.com:19302"}, "Comma-separated list of STUN servers (in format stun:host:port) and TURN servers to use (in format username:credential@turn:host:port)")
	wanderCmd.PersistentFlags().Bool(forceRelayFlag, false, "Force usage of TURN servers")

	viper.AutomaticEnv()

	rootCmd.AddCommand(wanderCmd)
}
