package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"

	xerrors "CognitiveMesh/internal/errors"
)

type captureSender struct {
	channel string
	content string
	err     error
}

func (c *captureSender) Send(_ context.Context, channel, content string) error {
	c.channel = channel
	c.content = content
	return c.err
}

func TestNewEventUsesCodeAttributes(t *testing.T) {
	cause := xerrors.New(xerrors.CodeChainUnavailable, "rpc down")
	event := NewEvent(cause, "p1", "ethereum", "submit")
	if event.Code != xerrors.CodeChainUnavailable || event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.OccurredAt.IsZero() {
		t.Fatalf("timestamp not set")
	}

	plain := NewEvent(errors.New("boom"), "p1", "", "confirm")
	if plain.Code != xerrors.CodeUnknown {
		t.Fatalf("uncoded errors map to UNKNOWN, got %s", plain.Code)
	}
}

func TestSlackNotifierFormatsMessage(t *testing.T) {
	sender := &captureSender{}
	n := &SlackNotifier{Sender: sender, ChannelID: "C123"}
	event := NewEvent(xerrors.New(xerrors.CodeChainTimeout, "not confirmed"), "p1", "ethereum", "confirm")
	event.Attempts = 2
	event.Metadata = map[string]string{"tx_hash": "0xabc"}

	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.channel != "C123" {
		t.Fatalf("unexpected channel %q", sender.channel)
	}
	for _, want := range []string{"CHAIN_TIMEOUT", "`p1`", "ethereum", "tx_hash: 0xabc"} {
		if !strings.Contains(sender.content, want) {
			t.Fatalf("message %q missing %q", sender.content, want)
		}
	}
}

func TestUnconfiguredSlackIsSkipped(t *testing.T) {
	var n *SlackNotifier
	if err := n.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	failing := &SlackNotifier{Sender: &captureSender{err: errors.New("rate limited")}, ChannelID: "C1"}
	d := NewFanout(LogNotifier{}, failing, nil)
	err := d.Notify(context.Background(), NewEvent(errors.New("x"), "p1", "", "submit"))
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("expected slack error, got %v", err)
	}
}
