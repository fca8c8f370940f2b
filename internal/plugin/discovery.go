package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"relaybot/internal/domain"
)

// DiscoverParams scopes one discovery run.
type DiscoverParams struct {
	WorkspaceDir string
	ExtraPaths   []string
}

// DiscoveryResult is the ordered candidate list plus any problems found.
type DiscoveryResult struct {
	Candidates  []domain.PluginCandidate
	Diagnostics []domain.PluginDiagnostic
}

// Discoverer enumerates plugin candidates. Implementations never fail the
// run; problems are reported as diagnostics.
type Discoverer interface {
	Discover(ctx context.Context, p DiscoverParams) DiscoveryResult
}

// DirDiscovery scans plugin roots on disk for <root>/<name>/plugin.yaml.
// Roots are visited as: config paths, workspace plugins, global plugins,
// then bundled candidates. The first candidate for an id wins.
type DirDiscovery struct {
	GlobalDir string
	Bundled   []domain.PluginCandidate
}

// NewDirDiscovery creates a DirDiscovery rooted at the default global dir.
func NewDirDiscovery(bundled []domain.PluginCandidate) *DirDiscovery {
	return &DirDiscovery{GlobalDir: DefaultGlobalDir(), Bundled: bundled}
}

// DefaultGlobalDir returns ~/.relaybot/plugins.
func DefaultGlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".relaybot", "plugins")
}

// WorkspacePluginDir returns the plugin root of a workspace.
func WorkspacePluginDir(workspace string) string {
	return filepath.Join(workspace, ".relaybot", "plugins")
}

// ResolveUserPath expands a leading "~" and makes p absolute.
func ResolveUserPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

type scan struct {
	seen   map[string]string
	result DiscoveryResult
}

func (s *scan) add(c domain.PluginCandidate) {
	if first, dup := s.seen[c.IDHint]; dup {
		s.diag(domain.DiagnosticWarn, c.IDHint, c.Source,
			fmt.Sprintf("duplicate plugin id %q at %s shadowed by %s", c.IDHint, c.Source, first))
		return
	}
	s.seen[c.IDHint] = c.Source
	s.result.Candidates = append(s.result.Candidates, c)
}

func (s *scan) diag(level domain.DiagnosticLevel, id, source, msg string) {
	s.result.Diagnostics = append(s.result.Diagnostics, domain.PluginDiagnostic{
		Level:    level,
		Message:  msg,
		PluginID: id,
		Source:   source,
	})
}

// Discover implements Discoverer.
func (d *DirDiscovery) Discover(ctx context.Context, p DiscoverParams) DiscoveryResult {
	s := &scan{seen: make(map[string]string)}

	for _, extra := range p.ExtraPaths {
		if ctx.Err() != nil {
			return s.result
		}
		d.scanPath(s, ResolveUserPath(extra), domain.OriginConfig)
	}
	if ws := strings.TrimSpace(p.WorkspaceDir); ws != "" {
		d.scanRoot(s, WorkspacePluginDir(ResolveUserPath(ws)), domain.OriginWorkspace, false)
	}
	if d.GlobalDir != "" && ctx.Err() == nil {
		d.scanRoot(s, d.GlobalDir, domain.OriginGlobal, false)
	}
	for _, c := range d.Bundled {
		c.Origin = domain.OriginBundled
		s.add(c)
	}
	return s.result
}

// scanPath handles a config-declared path: a single plugin dir, a root of
// plugin dirs, or a bare .wasm file.
func (d *DirDiscovery) scanPath(s *scan, path string, origin domain.PluginOrigin) {
	info, err := os.Stat(path)
	if err != nil {
		s.diag(domain.DiagnosticError, "", path, fmt.Sprintf("plugin path not found: %s", path))
		return
	}
	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(path), ".wasm") {
			s.diag(domain.DiagnosticError, "", path, fmt.Sprintf("unsupported plugin path: %s", path))
			return
		}
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		s.add(domain.PluginCandidate{
			IDHint:  id,
			Origin:  origin,
			Source:  path,
			RootDir: filepath.Dir(path),
		})
		return
	}
	if _, err := os.Stat(filepath.Join(path, ManifestFile)); err == nil {
		d.scanPlugin(s, path, origin)
		return
	}
	d.scanRoot(s, path, origin, true)
}

func (d *DirDiscovery) scanRoot(s *scan, root string, origin domain.PluginOrigin, required bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return
		}
		s.diag(domain.DiagnosticError, "", root, fmt.Sprintf("read plugin dir %s: %v", root, err))
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		d.scanPlugin(s, dir, origin)
	}
}

func (d *DirDiscovery) scanPlugin(s *scan, dir string, origin domain.PluginOrigin) {
	manifestPath := filepath.Join(dir, ManifestFile)
	m, err := ReadManifest(manifestPath)
	if err != nil {
		s.diag(domain.DiagnosticError, filepath.Base(dir), manifestPath, fmt.Sprintf("invalid plugin manifest: %v", err))
		return
	}
	id := m.ID
	if id == "" {
		id = strings.ToLower(filepath.Base(dir))
	}
	if !ValidPluginID(id) {
		s.diag(domain.DiagnosticError, id, manifestPath, fmt.Sprintf("invalid plugin id %q", id))
		return
	}
	source, err := resolveEntry(m, dir)
	if err != nil {
		s.diag(domain.DiagnosticError, id, manifestPath, err.Error())
		return
	}
	s.add(domain.PluginCandidate{
		IDHint:             id,
		Origin:             origin,
		Source:             source,
		RootDir:            dir,
		PackageName:        m.Name,
		PackageVersion:     m.Version,
		PackageDescription: m.Description,
		Manifest:           m,
	})
}
