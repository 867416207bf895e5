package main

import (
	"github.com/spf13/cobra"

	"github.com/1ureka/sensorlink/internal/config"
	"github.com/1ureka/sensorlink/internal/util"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	loader     *config.Loader
	cfg        *config.Config
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	a := &app{loader: config.NewLoader()}

	rootCmd := &cobra.Command{
		Use:           "sensorlink",
		Short:         "Capture, synchronize and stream device sensor data",
		Long:          "sensorlink streams timestamped color, depth, IMU, plane, mesh and audio frames from a device to a collection server, with time-server clock correction and QR pairing between devices.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ./sensorlink.toml)")
	flags.BoolVar(&a.debug, "debug", false, "enable debug logging")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("server", "", "collection server address (host:port or ws/wss URL)")
	flags.String("time-server", "", "time server address (host:port)")

	bind := map[string]string{
		"log.level":      "log-level",
		"server.address": "server",
		"time.server":    "time-server",
	}
	for key, name := range bind {
		if err := a.loader.BindFlag(key, flags, name); err != nil {
			rootCmd.RunE = func(*cobra.Command, []string) error { return err }
			return rootCmd
		}
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newStreamCmd(a),
		newJoinCmd(a),
		newPairCmd(),
		newSyncCmd(a),
		newServeCmd(a),
		newConfigCmd(),
	)

	return rootCmd
}

func (a *app) load() error {
	cfg, err := a.loader.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := util.SetLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	if a.debug {
		util.EnableDebug()
	}
	if file := a.loader.File(); file != "" {
		util.LogDebug("using config file %s", file)
	}
	a.cfg = cfg
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("sensorlink " + version + "\n"))
			return err
		},
	}
}
