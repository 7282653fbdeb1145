package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pboyd/patchbay"
	"github.com/pboyd/patchbay/config"
	"github.com/pboyd/patchbay/internal/logging"
	"github.com/pboyd/patchbay/internal/logging/logfields"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "cli")

// app is the state shared by every command.
type app struct {
	vp         *viper.Viper
	configFile string
	cfg        config.Options
}

func newRootCommand(vp *viper.Viper) *cobra.Command {
	a := &app{vp: vp}

	root := &cobra.Command{
		Use:          "patchbay",
		Short:        "Hook and patch code of running processes",
		Long:         "patchbay - install reversible hooks and data patches into running processes",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "Configuration file")
	flags.String(config.LogLevel, "info", "Log level (trace, debug, info, warn, error)")
	flags.String(config.LogFormat, "text", "Log format (text, json)")
	flags.String(config.PluginConfig, "", "Plugin configuration file")
	flags.String(config.MetricsAddress, "", "Serve prometheus metrics on this address while patches are held")
	flags.String(config.ProcMount, "/proc", "Mount point of procfs")
	flags.Bool(config.Freeze, true, "Stop the threads of a target process while its memory is written")
	flags.StringSlice(config.Restricted, nil, "Extra address ranges of the privileged process that must not be patched, as start-end")
	vp.BindPFlags(flags)

	root.AddCommand(
		newRunCommand(a),
		newModulesCommand(a),
		newInjectCommand(a),
		newHookCommand(a),
		newPluginsCommand(a),
		newConfigCommand(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.vp, a.configFile)
	if err != nil {
		return err
	}
	if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	logging.SetLogFormat(cfg.LogFormat)
	a.cfg = cfg
	return nil
}

// options translates the configuration for commands that only act on
// what the command line names. Baseline injections and kernel plugins are
// left to the run command.
func (a *app) options() (patchbay.Options, error) {
	opts, err := patchbay.OptionsFromConfig(a.cfg)
	if err != nil {
		return patchbay.Options{}, err
	}
	opts.Injections = nil
	opts.LoadKernelPlugins = false
	opts.Registerer = prometheus.DefaultRegisterer
	return opts, nil
}
