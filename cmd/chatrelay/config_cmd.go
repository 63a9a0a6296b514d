package main

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"

	"github.com/go-go-golems/chatrelay/pkg/config"
)

type ConfigPrintCommand struct {
	*cmds.CommandDescription
	out io.Writer
}

var _ cmds.BareCommand = (*ConfigPrintCommand)(nil)

// NewConfigPrintCommand prints the settings serve would run with, after the
// settings file, environment and flags are applied.
func NewConfigPrintCommand(cfg config.Config, out io.Writer) (*ConfigPrintCommand, error) {
	sections, err := config.Sections(cfg)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"print",
		cmds.WithShort("Print the effective configuration as YAML"),
		cmds.WithSections(sections...),
	)
	return &ConfigPrintCommand{CommandDescription: desc, out: out}, nil
}

func (c *ConfigPrintCommand) Run(_ context.Context, parsed *values.Values) error {
	cfg, err := config.FromValues(parsed)
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey != "" {
		cfg.Provider.APIKey = "<redacted>"
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = c.out.Write(data)
	return err
}
