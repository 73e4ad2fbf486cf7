package toolcatalog_test

import (
	"testing"

	"github.com/agentoven/router-core/internal/toolcatalog"
	"github.com/agentoven/router-core/pkg/core"
)

type fakeSource struct{ tools []core.ToolDescriptor }

func (f fakeSource) Tools() []core.ToolDescriptor { return f.tools }

func TestCatalog_IncludesBuiltinFSOps(t *testing.T) {
	c := toolcatalog.New(t.TempDir(), fakeSource{})
	snap := c.Current()
	if _, ok := snap.Lookup("fs__read_text"); !ok {
		t.Fatal("expected fs__read_text to be present in the initial snapshot")
	}
}

func TestCatalog_RefreshUnionsMCPTools(t *testing.T) {
	src := fakeSource{tools: []core.ToolDescriptor{
		{CanonicalName: "mcp__time__now", Server: "time", LocalName: "now"},
	}}
	c := toolcatalog.New(t.TempDir(), src)
	snap, err := c.Refresh()
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if _, ok := snap.Lookup("mcp__time__now"); !ok {
		t.Fatal("expected mcp__time__now in refreshed snapshot")
	}
	if _, ok := snap.Lookup("fs__delete"); !ok {
		t.Fatal("expected builtin fs ops to survive refresh")
	}
	if snap.Version != c.Current().Version {
		t.Fatal("expected Refresh to publish the snapshot Current returns")
	}
}

func TestCatalog_RefreshRejectsDuplicateCanonicalNames(t *testing.T) {
	src := fakeSource{tools: []core.ToolDescriptor{
		{CanonicalName: "mcp__time__now", Server: "time"},
		{CanonicalName: "mcp__time__now", Server: "time"},
	}}
	c := toolcatalog.New(t.TempDir(), src)
	if _, err := c.Refresh(); err == nil {
		t.Fatal("expected Refresh to reject duplicate canonical names")
	}
}

func TestCatalog_ForServersAlwaysIncludesFS(t *testing.T) {
	src := fakeSource{tools: []core.ToolDescriptor{
		{CanonicalName: "mcp__time__now", Server: "time"},
		{CanonicalName: "mcp__weather__forecast", Server: "weather"},
	}}
	c := toolcatalog.New(t.TempDir(), src)
	snap, _ := c.Refresh()

	filtered := snap.ForServers(map[string]bool{"time": true})
	names := map[string]bool{}
	for _, t := range filtered {
		names[t.CanonicalName] = true
	}
	if !names["mcp__time__now"] {
		t.Fatal("expected selected server's tool to be included")
	}
	if names["mcp__weather__forecast"] {
		t.Fatal("expected unselected server's tool to be excluded")
	}
	if !names["fs__read_text"] {
		t.Fatal("expected fs tools to always be included")
	}
}

func TestFSExecutor_WriteThenReadRoundTrips(t *testing.T) {
	ex, err := toolcatalog.NewFSExecutor(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("NewFSExecutor error: %v", err)
	}
	if _, err := ex.Call("write_text", map[string]any{"path": "notes/a.txt", "content": "hello"}); err != nil {
		t.Fatalf("write_text error: %v", err)
	}
	got, err := ex.Call("read_text", map[string]any{"path": "notes/a.txt"})
	if err != nil {
		t.Fatalf("read_text error: %v", err)
	}
	if got != "hello" {
		t.Fatalf("read back %q, want %q", got, "hello")
	}
}

func TestFSExecutor_RejectsPathTraversal(t *testing.T) {
	ex, err := toolcatalog.NewFSExecutor(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("NewFSExecutor error: %v", err)
	}
	if _, err := ex.Call("read_text", map[string]any{"path": "../../etc/passwd"}); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestFSExecutor_RejectsOversizedWrite(t *testing.T) {
	ex, err := toolcatalog.NewFSExecutor(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("NewFSExecutor error: %v", err)
	}
	if _, err := ex.Call("write_text", map[string]any{"path": "big.txt", "content": "this is too long"}); err == nil {
		t.Fatal("expected oversized write to be rejected")
	}
}
