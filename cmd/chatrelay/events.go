package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/redisstream"
)

type EventsTailCommand struct {
	*cmds.CommandDescription
	out io.Writer
}

var _ cmds.BareCommand = (*EventsTailCommand)(nil)

type EventsTailSettings struct {
	ClientID string `glazed:"client-id"`
}

func NewEventsTailCommand(defaults redisstream.Settings, out io.Writer) (*EventsTailCommand, error) {
	redisSection, err := redisstream.NewSection(defaults)
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	desc := cmds.NewCommandDescription(
		"tail",
		cmds.WithShort("Print mirrored events of a client as they are published"),
		cmds.WithArguments(
			fields.New("client-id", fields.TypeString, fields.WithHelp("Client whose event stream to follow")),
		),
		cmds.WithSections(redisSection),
	)
	return &EventsTailCommand{CommandDescription: desc, out: out}, nil
}

func (c *EventsTailCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &EventsTailSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	rs, err := redisstream.SettingsFromValues(parsed)
	if err != nil {
		return err
	}
	clientID := strings.TrimSpace(s.ClientID)
	if clientID == "" {
		return errors.New("client id is empty")
	}
	topic := redisstream.Topic(rs.StreamPrefix, clientID)

	if err := redisstream.EnsureGroupAtTail(ctx, rs.Addr, topic, rs.Group); err != nil {
		return err
	}
	sub, err := redisstream.BuildGroupSubscriber(rs.Addr, rs.Group, rs.Consumer)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	log.Info().Str("topic", topic).Str("group", rs.Group).Msg("tailing events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			_, _ = fmt.Fprintln(c.out, string(msg.Payload))
			msg.Ack()
		}
	}
}
