package tools

import (
	"context"
	"encoding/json"
	"testing"
)

type stubTool struct {
	name string
	desc string
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.desc }
func (s *stubTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"agent_id":{"type":"string"}}}`)
}
func (s *stubTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"count":0}`), nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubTool{name: "search_related_alerts", desc: "searches the alert index"})

	tool, ok := r.Get("search_related_alerts")
	if !ok {
		t.Fatal("expected tool to be found")
	}
	if tool.Name() != "search_related_alerts" {
		t.Errorf("Name() = %q, want %q", tool.Name(), "search_related_alerts")
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, ok := r.Get("lookup_agent_inventory")
	if ok {
		t.Fatal("expected ok=false for missing tool")
	}
}

func TestRegistry_ToToolDefs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubTool{name: "search_related_alerts", desc: "searches the alert index"})
	r.Register(&stubTool{name: "lookup_agent_inventory", desc: "describes the affected host"})

	defs := r.ToToolDefs()
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}

	found := make(map[string]ToolDef)
	for _, d := range defs {
		found[d.Name] = d
	}

	for _, name := range []string{"search_related_alerts", "lookup_agent_inventory"} {
		d, ok := found[name]
		if !ok {
			t.Errorf("missing tool def for %q", name)
			continue
		}
		if len(d.InputSchema) == 0 {
			t.Errorf("tool %q has empty InputSchema", name)
		}
	}

	if found["search_related_alerts"].Description != "searches the alert index" {
		t.Errorf("description = %q, want %q", found["search_related_alerts"].Description, "searches the alert index")
	}
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubTool{name: "search_related_alerts", desc: "first"})
	r.Register(&stubTool{name: "search_related_alerts", desc: "second"})

	tool, ok := r.Get("search_related_alerts")
	if !ok {
		t.Fatal("expected tool to be found")
	}
	if tool.Description() != "second" {
		t.Errorf("Description() = %q, want %q (should be overwritten)", tool.Description(), "second")
	}

	defs := r.ToToolDefs()
	if len(defs) != 1 {
		t.Errorf("len(defs) = %d, want 1 after overwrite", len(defs))
	}
}
