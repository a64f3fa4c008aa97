package message

import (
	"testing"
)

func TestNewAssignsIdentity(t *testing.T) {
	m := NewCommand("orders.Create", map[string]string{"orderId": "O1"})

	if m.ID == "" {
		t.Error("expected generated id")
	}
	if m.CorrelationID == "" {
		t.Error("expected generated correlation id")
	}
	if m.Kind != KindCommand {
		t.Errorf("Kind = %v, want KindCommand", m.Kind)
	}
	if m.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
}

func TestOptions(t *testing.T) {
	m := NewEvent("orders.Created", nil,
		WithCorrelation("corr-1"),
		WithCausation("cause-1"),
		WithMetadata("tenant", "acme"),
	)

	if m.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q", m.CorrelationID)
	}
	if m.CausationID != "cause-1" {
		t.Errorf("CausationID = %q", m.CausationID)
	}
	if m.Meta("tenant") != "acme" {
		t.Errorf("Meta(tenant) = %q", m.Meta("tenant"))
	}
	if m.Meta("missing") != "" {
		t.Error("expected empty value for missing metadata key")
	}
}

func TestFollowPreservesLineage(t *testing.T) {
	parent := NewCommand("orders.Create", nil)
	child := parent.Follow(KindEvent, "orders.Created", nil)

	if child.CorrelationID != parent.CorrelationID {
		t.Error("child should share parent correlation id")
	}
	if child.CausationID != parent.ID {
		t.Error("child causation should be parent id")
	}
	if child.ID == parent.ID {
		t.Error("child must have its own id")
	}
}

func TestKindString(t *testing.T) {
	if KindCommand.String() != "COMMAND" || KindQuery.String() != "QUERY" || KindEvent.String() != "EVENT" {
		t.Error("unexpected kind names")
	}
}
