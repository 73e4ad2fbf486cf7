// Package toolcatalog is the Tool Catalog: a read-mostly
// union of MCP tool descriptors across all ready servers plus a fixed set
// of sandboxed local file operations, republished as an atomic snapshot
// whenever the MCP Transport Layer reports a server state transition.
package toolcatalog

import (
	"fmt"
	"sync/atomic"

	"github.com/agentoven/router-core/pkg/core"
)

// builtinFSOps are the fixed fs__* operations, always present regardless
// of MCP server state.
var builtinFSOps = []core.ToolDescriptor{
	{CanonicalName: "fs__read_text", Server: "fs", LocalName: "read_text", Description: "Read a UTF-8 text file under the sandboxed root.", CategoryTag: "filesystem"},
	{CanonicalName: "fs__write_text", Server: "fs", LocalName: "write_text", Description: "Write a UTF-8 text file under the sandboxed root.", CategoryTag: "filesystem"},
	{CanonicalName: "fs__list_dir", Server: "fs", LocalName: "list_dir", Description: "List entries of a directory under the sandboxed root.", CategoryTag: "filesystem"},
	{CanonicalName: "fs__move", Server: "fs", LocalName: "move", Description: "Move/rename a file under the sandboxed root.", CategoryTag: "filesystem"},
	{CanonicalName: "fs__delete", Server: "fs", LocalName: "delete", Description: "Delete a file under the sandboxed root.", CategoryTag: "filesystem"},
}

// Snapshot is the immutable, point-in-time union of all tool descriptors.
// Readers obtain a handle via Catalog.Current and never observe a partial
// update mid-read.
type Snapshot struct {
	Version int64
	Tools   []core.ToolDescriptor
	byName  map[string]core.ToolDescriptor
}

// Lookup returns the descriptor for a canonical name, if present.
func (s *Snapshot) Lookup(canonicalName string) (core.ToolDescriptor, bool) {
	d, ok := s.byName[canonicalName]
	return d, ok
}

// ForServers filters the snapshot down to descriptors belonging to the
// given server IDs, used by the Maître d' and the Agent Loop to compute an
// effective tool set.
func (s *Snapshot) ForServers(servers map[string]bool) []core.ToolDescriptor {
	var out []core.ToolDescriptor
	for _, t := range s.Tools {
		if t.Server == "fs" || servers[t.Server] {
			out = append(out, t)
		}
	}
	return out
}

// mcpSource supplies the currently reachable MCP tool descriptors; it is
// satisfied by *mcptransport.Manager without importing that package here,
// keeping toolcatalog decoupled from the transport implementation.
type mcpSource interface {
	Tools() []core.ToolDescriptor
}

// Catalog publishes Snapshots behind an atomic pointer.
type Catalog struct {
	fsRoot string
	source mcpSource
	ptr    atomic.Pointer[Snapshot]
}

// New constructs a Catalog and publishes an initial snapshot built only
// from the built-in fs__* tools; call Refresh once the MCP Transport Layer
// is up to fold in MCP-sourced tools.
func New(fsRoot string, source mcpSource) *Catalog {
	c := &Catalog{fsRoot: fsRoot, source: source}
	c.ptr.Store(build(1, nil))
	return c
}

// Current returns the presently published Snapshot.
func (c *Catalog) Current() *Snapshot {
	return c.ptr.Load()
}

// Refresh re-reads the MCP source's tool list and atomically republishes a
// new Snapshot, incrementing Version. Call this on every server state
// transition to ready.
func (c *Catalog) Refresh() (*Snapshot, error) {
	prev := c.ptr.Load()
	mcpTools := c.source.Tools()

	seen := make(map[string]bool, len(mcpTools))
	for _, t := range mcpTools {
		if seen[t.CanonicalName] {
			return nil, fmt.Errorf("duplicate canonical tool name %q across MCP servers", t.CanonicalName)
		}
		seen[t.CanonicalName] = true
	}

	next := build(prev.Version+1, mcpTools)
	c.ptr.Store(next)
	return next, nil
}

func build(version int64, mcpTools []core.ToolDescriptor) *Snapshot {
	all := make([]core.ToolDescriptor, 0, len(mcpTools)+len(builtinFSOps))
	all = append(all, builtinFSOps...)
	all = append(all, mcpTools...)

	byName := make(map[string]core.ToolDescriptor, len(all))
	for _, t := range all {
		byName[t.CanonicalName] = t
	}
	return &Snapshot{Version: version, Tools: all, byName: byName}
}
