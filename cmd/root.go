package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aifoundry-org/cardice/pkg/cluster"
	"github.com/aifoundry-org/cardice/pkg/config"
	cardicelog "github.com/aifoundry-org/cardice/pkg/log"

	// provider drivers register themselves
	_ "github.com/aifoundry-org/cardice/pkg/provider/dummy"
	_ "github.com/aifoundry-org/cardice/pkg/provider/oxide"
	_ "github.com/aifoundry-org/cardice/pkg/provider/proxmox"
)

const (
	keyFolder   = "folder"
	keyLogLevel = "log-level"
	keyCluster  = "cluster"
)

// commandKind is the closed set of cardice subcommands.
type commandKind int

const (
	commandInit commandKind = iota
	commandSelect
	commandList
	commandStart
	commandGrow
	commandShrink
	commandStop
	commandTerminate
	commandStatus
)

var commandNames = [...]string{
	commandInit:      "init",
	commandSelect:    "select",
	commandList:      "list",
	commandStart:     "start",
	commandGrow:      "grow",
	commandShrink:    "shrink",
	commandStop:      "stop",
	commandTerminate: "terminate",
	commandStatus:    "status",
}

func (k commandKind) String() string {
	return commandNames[k]
}

// managesNodes reports whether the command talks to providers.
func (k commandKind) managesNodes() bool {
	switch k {
	case commandInit, commandSelect, commandList:
		return false
	}
	return true
}

// environment is what a handler gets to work with.
type environment struct {
	logger *log.Entry
	ws     *config.Workspace
	prov   *cluster.Provisioner
	out    io.Writer
}

type handler func(ctx context.Context, env *environment, args []string) error

type app struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
}

func newApp(out, errOut io.Writer) *app {
	v := viper.New()
	v.SetEnvPrefix("CARDICE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{v: v, out: out, errOut: errOut}
}

func (a *app) level() (log.Level, error) {
	level, err := cardicelog.GetLevel(a.v.GetString(keyLogLevel))
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid log level %q: %w", a.v.GetString(keyLogLevel), err)
	}
	return level, nil
}

// runE adapts a handler to cobra, preparing the workspace and, for commands
// that manage nodes, the provisioner.
func (a *app) runE(kind commandKind, h handler) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		level, err := a.level()
		if err != nil {
			return err
		}
		logger := cardicelog.New(a.errOut, level).WithField("command", kind.String())

		ws, err := config.Open(a.v.GetString(keyFolder), a.v.GetString(keyCluster), logger)
		if err != nil {
			return err
		}
		env := &environment{logger: ws.Logger(), ws: ws, out: cmd.OutOrStdout()}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !kind.managesNodes() {
			return h(ctx, env, args)
		}
		env.prov = cluster.NewProvisioner(ws)
		err = h(ctx, env, args)
		if err != nil {
			env.logger.Info("waiting for operations in flight to finish")
		}
		// nodes acknowledged by a provider must be registered before exiting
		if drainErr := env.prov.Drain(context.WithoutCancel(ctx)); drainErr != nil {
			err = errors.Join(err, drainErr)
		}
		return err
	}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cardice",
		Short:         "Provision and manage clusters of cloud compute nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.String("cardice-folder", config.DefaultRoot, "Configuration root folder (env CARDICE_FOLDER)")
	pf.String("log-level", "info", "Log level: debug, info, warning, error or critical (env CARDICE_LOG_LEVEL)")
	pf.String("cluster", "", "Cluster to operate on instead of the default cluster (env CARDICE_CLUSTER)")
	_ = a.v.BindPFlag(keyFolder, pf.Lookup("cardice-folder"))
	_ = a.v.BindPFlag(keyLogLevel, pf.Lookup("log-level"))
	_ = a.v.BindPFlag(keyCluster, pf.Lookup("cluster"))

	cmd.AddCommand(
		initCmd(a),
		selectCmd(a),
		listCmd(a),
		startCmd(a, commandStart),
		startCmd(a, commandGrow),
		shrinkCmd(a),
		lifecycleCmd(a, commandStop),
		lifecycleCmd(a, commandTerminate),
		statusCmd(a),
	)
	return cmd
}

// report logs err on a single line, or with its stack trace at debug level.
func (a *app) report(err error) {
	// an invalid level is the error being reported, and falls back to info
	level, _ := a.level()
	logger := cardicelog.New(a.errOut, level)
	if cardicelog.IsDebug(level) {
		logger.Errorf("%+v", err)
		return
	}
	logger.Error(err)
}

// Execute primary function for cobra
func Execute() {
	a := newApp(os.Stdout, os.Stderr)
	if err := newRootCmd(a).Execute(); err != nil {
		a.report(err)
		os.Exit(1)
	}
}
