package main

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/persistence/transcript"
)

type TranscriptsListCommand struct {
	*cmds.CommandDescription
}

type TranscriptsListSettings struct {
	ClientID  string `glazed:"client-id"`
	SessionID string `glazed:"session-id"`
	Since     string `glazed:"since"`
	Limit     int    `glazed:"limit"`
}

func NewTranscriptsListCommand(defaults config.TranscriptSettings) (*TranscriptsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	storeSection, err := config.NewTranscriptsSection(defaults)
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List recorded messages, oldest first"),
		cmds.WithLong("List messages from the transcript store. With --limit the newest messages are kept."),
		cmds.WithFlags(
			fields.New("client-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Only messages of this client")),
			fields.New("session-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Only messages of this session")),
			fields.New("since", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Only messages newer than this (e.g. 1h)")),
			fields.New("limit", fields.TypeInteger, fields.WithDefault(200), fields.WithHelp("Maximum number of messages (0 = no limit)")),
		),
		cmds.WithSections(storeSection, glazedSection, commandSettingsSection),
	)
	return &TranscriptsListCommand{CommandDescription: desc}, nil
}

func (c *TranscriptsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &TranscriptsListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := config.TranscriptsFromValues(parsed)
	if err != nil {
		return err
	}
	q, err := s.query(time.Now())
	if err != nil {
		return err
	}

	dsn, err := store.ResolveDSN()
	if err != nil {
		return err
	}
	st, err := transcript.NewSQLiteStore(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	entries, err := st.List(ctx, q)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := gp.AddRow(ctx, entryRow(e)); err != nil {
			return err
		}
	}
	return nil
}

func (s *TranscriptsListSettings) query(now time.Time) (transcript.Query, error) {
	q := transcript.Query{ClientID: s.ClientID, SessionID: s.SessionID, Limit: s.Limit}
	if s.Since == "" {
		return q, nil
	}
	since, err := time.ParseDuration(s.Since)
	if err != nil {
		return q, errors.Wrap(err, "parse since")
	}
	if since > 0 {
		q.Since = now.Add(-since)
	}
	return q, nil
}

func entryRow(e transcript.Entry) types.Row {
	return types.NewRow(
		types.MRP("created_at", e.CreatedAt.UTC().Format(time.RFC3339)),
		types.MRP("client_id", e.ClientID),
		types.MRP("session_id", e.SessionID),
		types.MRP("message_id", e.MessageID),
		types.MRP("role", e.Role),
		types.MRP("name", e.Name),
		types.MRP("content", e.Content),
	)
}

var _ cmds.GlazeCommand = &TranscriptsListCommand{}
