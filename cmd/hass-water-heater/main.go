package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jkaflik/hass-water-heater/internal/app"
	"github.com/jkaflik/hass-water-heater/internal/config"
	"github.com/jkaflik/hass-water-heater/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "hass-water-heater",
	Short:        "Generic water heater controller for Home Assistant",
	Long:         "Drives a heater switch from a temperature sensor and exposes it to Home Assistant as a water_heater entity.",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Home Assistant and control the configured water heaters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
			return err
		}

		a, err := app.New(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		log.Info().Int("heaters", len(cfg.Heaters)).Msg("Starting")

		if err := a.Run(ctx); err != nil {
			log.Err(err).Msg("Stopped with error")
			return err
		}

		log.Info().Msg("Shutting down")
		return nil
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and print the resolved water heaters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		heaters, err := cfg.WaterHeaters()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, h := range heaters {
			fmt.Fprintf(out, "%s: switch=%s sensor=%s target=%.1f%s range=[%.1f, %.1f] cold=%.1f hot=%.1f min_cycle=%s modes=%v\n",
				h.ID, h.HeaterEntityID, h.SensorEntityID,
				*h.TargetTemperature, h.Unit, h.MinTemp, h.MaxTemp,
				h.ColdTolerance, h.HotTolerance, h.MinCycleDuration, h.OperationList())
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
