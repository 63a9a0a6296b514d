package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/config"
)

const (
	configFileFlag = "config-file"
	configFileEnv  = "CHATRELAY_CONFIG"
	envPrefix      = "CHATRELAY"
)

func main() {
	// the settings file provides the field defaults, so it is read before
	// cobra builds the commands
	rootCmd, err := newRootCommand(configPathFromArgs(os.Args[1:]), os.Stdout)
	cobra.CheckErr(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("chatrelay failed")
		stop()
		os.Exit(1)
	}
}

func newRootCommand(configPath string, out io.Writer) (*cobra.Command, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	rootCmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "chatrelay relays chat sessions over websockets to a streaming LLM provider",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger because we can now parse --log-level and co
			return logging.InitLoggerFromCobra(cmd)
		},
	}
	if err := clay.InitGlazed("chatrelay", rootCmd); err != nil {
		return nil, err
	}
	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)
	rootCmd.PersistentFlags().String(configFileFlag, configPath,
		"YAML settings file supplying the defaults of every command (env "+configFileEnv+")")

	serveCmd, err := NewServeCommand(cfg)
	if err != nil {
		return nil, err
	}
	listCmd, err := NewTranscriptsListCommand(cfg.Transcripts)
	if err != nil {
		return nil, err
	}
	tailCmd, err := NewEventsTailCommand(cfg.Redis, out)
	if err != nil {
		return nil, err
	}
	printCmd, err := NewConfigPrintCommand(cfg, out)
	if err != nil {
		return nil, err
	}

	cobraServe, err := buildCobraCommand(serveCmd)
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(cobraServe)

	for _, group := range []struct {
		use, short string
		cmd        cmds.Command
	}{
		{"transcripts", "Inspect recorded chat transcripts", listCmd},
		{"events", "Work with the Redis Streams event mirror", tailCmd},
		{"config", "Configuration helpers", printCmd},
	} {
		sub, err := buildCobraCommand(group.cmd)
		if err != nil {
			return nil, err
		}
		parent := &cobra.Command{Use: group.use, Short: group.short}
		parent.AddCommand(sub)
		rootCmd.AddCommand(parent)
	}
	return rootCmd, nil
}

func buildCobraCommand(c cmds.Command) (*cobra.Command, error) {
	cmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
	if err != nil {
		return nil, errors.Wrapf(err, "build command %s", c.Description().Name)
	}
	return cmd, nil
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(envPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

// configPathFromArgs finds --config-file in args, falling back to the environment.
func configPathFromArgs(args []string) string {
	flag := "--" + configFileFlag
	for i, a := range args {
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v
		}
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(configFileEnv)
}
