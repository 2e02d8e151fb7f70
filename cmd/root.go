package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-fhircast/internal/infrastructure/config"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "fhircast-listener",
		Short: "Subscribe to a FHIRcast topic and relay context changes locally",
		Long: `fhircast-listener subscribes to a topic on a FHIRcast hub, holds the websocket
channel the hub assigns, acknowledges every notification and relays the session
events to local Server-Sent-Events clients on /events.

Settings come from an optional YAML file, FHIRCAST_* environment variables and flags.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(configFile)
			if err != nil {
				return err
			}
			if err := bindFlags(cmd, v); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			app, err := newApplication(cfg)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "path to a YAML config file")
	flags.String("hub-url", "", "FHIRcast hub URL, e.g. https://example.com/fhircast/STU2")
	flags.String("topic", "", "topic to subscribe to")
	flags.StringSlice("events", nil, "events to subscribe to (default patient-open,patient-close)")
	flags.String("listen", "", "local API listen address (default :8080)")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	return cmd
}

var flagKeys = map[string]string{
	"hub-url":   "hub.url",
	"topic":     "hub.topic",
	"events":    "hub.events",
	"listen":    "server.listen_addr",
	"log-level": "log.level",
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
