package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"drone-telemetry/pkg/config"
)

var (
	cfgFile string
	cfg     = config.Load()
)

var rootCmd = &cobra.Command{
	Use:   "drone-telemetry",
	Short: "Three-tier telemetry: sensors, edge drones and a central collector",
	Long: `drone-telemetry runs one tier of the sensor -> drone -> central pipeline,
or all of them in one process with "all".

Configuration comes from defaults, a .env file, the YAML file given by
--config (or CONFIG_FILE), environment variables and flags, in that order.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			if err := cfg.MergeFile(cfgFile, cmd.Flags()); err != nil {
				return err
			}
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file")
	cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(centralCmd, droneCmd, sensorCmd, allCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Println("Shutdown signal received, stopping services...")
	}()
	return ctx, cancel
}
