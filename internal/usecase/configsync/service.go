// Package configsync serves the config protocol: get, schema, set and patch
// over the host config file, guarded by the content hash of the file.
package configsync

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
	"relaybot/internal/infra/logger"
	"relaybot/internal/infra/tracer"
	"relaybot/internal/plugin"
)

// RegistryLoader runs a plugin load pass. *plugin.Loader implements it.
type RegistryLoader interface {
	Load(ctx context.Context, opts plugin.LoadOptions) *plugin.Registry
}

// WriteResponse is the success payload of config.set and config.patch.
type WriteResponse struct {
	OK     bool           `json:"ok"`
	Path   string         `json:"path"`
	Config map[string]any `json:"config"`
}

// Deps holds the collaborators of a Service. Store is required.
type Deps struct {
	Store   *config.Store
	Loader  RegistryLoader
	Audit   domain.AuditLogger
	Logger  *slog.Logger
	Version string

	// WorkspaceDir and CoreGatewayMethods are forwarded to the load pass that
	// feeds the schema.
	WorkspaceDir       string
	CoreGatewayMethods []string

	// PrepareTree turns a stored tree into the one plugins see, typically by
	// decrypting secrets. It receives a clone. Nil passes the tree through.
	PrepareTree func(tree map[string]any) (map[string]any, error)

	// OnWrite runs after every successful write.
	OnWrite func(res *config.WriteResult)
}

// Service implements the config protocol.
type Service struct {
	store   *config.Store
	loader  RegistryLoader
	audit   domain.AuditLogger
	logger  *slog.Logger
	version string

	workspaceDir string
	coreMethods  []string
	prepareTree  func(tree map[string]any) (map[string]any, error)
	onWrite      func(res *config.WriteResult)
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:        d.Store,
		loader:       d.Loader,
		audit:        d.Audit,
		logger:       logger.Component(log, "configsync"),
		version:      d.Version,
		workspaceDir: d.WorkspaceDir,
		coreMethods:  d.CoreGatewayMethods,
		prepareTree:  d.PrepareTree,
		onWrite:      d.OnWrite,
	}
}

// Path returns the config file path.
func (s *Service) Path() string { return s.store.Path() }

// Get reads the file fresh and reports it as a snapshot.
func (s *Service) Get(ctx context.Context, _ GetParams) (*config.Snapshot, error) {
	ctx, span := tracer.StartSpan(ctx, "config.get")
	defer span.End()

	snap, err := s.store.ReadWith(s.treeValidator(ctx))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.BoolAttr("config.exists", snap.Exists), tracer.BoolAttr("config.valid", snap.Valid))
	tracer.SetOK(span)
	return snap, nil
}

// Schema runs a quiet load pass over the current config and aggregates the
// core, plugin and channel schemas.
func (s *Service) Schema(ctx context.Context, _ SchemaParams) (*config.SchemaResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "config.schema")
	defer span.End()

	resp, err := s.buildSchema(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

// Set replaces the whole config with raw once it validates.
func (s *Service) Set(ctx context.Context, actor string, p WriteParams) (*WriteResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "config.set")
	defer span.End()

	if err := checkParams("config.set", &p); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	validate := s.treeValidator(ctx)

	res, err := s.store.UpdateWith(validate, func(snap *config.Snapshot) (map[string]any, error) {
		if err := requireBaseHash(p.BaseHash, snap); err != nil {
			return nil, err
		}
		parsed, err := config.ParseRequest(s.store.Format(), *p.Raw)
		if err != nil {
			return nil, invalidRequest("config parse failed: " + err.Error())
		}
		validated, issues := s.validatorFor(ctx, parsed)(parsed)
		if len(issues) > 0 {
			return nil, invalidConfig(issues)
		}
		return validated, nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	s.afterWrite(ctx, domain.AuditConfigSet, "config.set", actor, res)
	tracer.SetOK(span)
	return &WriteResponse{OK: true, Path: res.Path, Config: res.Config}, nil
}

// Patch merge-patches raw into the stored config, applies legacy migrations
// and writes the result once it validates. The stored config must already be
// valid.
func (s *Service) Patch(ctx context.Context, actor string, p WriteParams) (*WriteResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "config.patch")
	defer span.End()

	if err := checkParams("config.patch", &p); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	validate := s.treeValidator(ctx)

	var migrations []string
	res, err := s.store.UpdateWith(validate, func(snap *config.Snapshot) (map[string]any, error) {
		if err := requireBaseHash(p.BaseHash, snap); err != nil {
			return nil, err
		}
		if !snap.Valid {
			return nil, invalidRequest(msgPatchOnInvalid)
		}
		parsed, err := config.ParseRequest(s.store.Format(), *p.Raw)
		if err != nil {
			return nil, invalidRequest("config parse failed: " + err.Error())
		}
		if !config.IsObject(parsed) {
			return nil, invalidRequest(msgPatchNotObject)
		}

		merged, _ := config.MergePatch(snap.Config, parsed).(map[string]any)
		resolved := merged
		if migrated := config.ApplyLegacyMigrations(merged); migrated.Next != nil {
			resolved = migrated.Next
			migrations = migrated.Changes
		}
		validated, issues := s.validatorFor(ctx, resolved)(resolved)
		if len(issues) > 0 {
			return nil, invalidConfig(issues)
		}
		return validated, nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	for _, change := range migrations {
		s.logger.Info("legacy config migrated", "change", change)
	}
	s.afterWrite(ctx, domain.AuditConfigPatch, "config.patch", actor, res)
	tracer.SetOK(span)
	return &WriteResponse{OK: true, Path: res.Path, Config: res.Config}, nil
}

// requireBaseHash enforces the optimistic-concurrency guard. A missing file
// needs no hash.
func requireBaseHash(baseHash string, snap *config.Snapshot) error {
	if !snap.Exists {
		return nil
	}
	if snap.Hash == "" {
		return invalidRequest(msgBaseHashUnavailable)
	}
	baseHash = strings.TrimSpace(baseHash)
	if baseHash == "" {
		return invalidRequest(msgBaseHashRequired)
	}
	if baseHash != snap.Hash {
		return invalidRequest(msgBaseHashStale)
	}
	return nil
}

// treeValidator is validatorFor the tree currently stored.
func (s *Service) treeValidator(ctx context.Context) config.TreeValidator {
	if s.loader == nil {
		return config.ValidateTree
	}
	current, err := s.storedTree()
	if err != nil {
		s.logger.Warn("falling back to core config schema", "error", err)
		return config.ValidateTree
	}
	return s.validatorFor(ctx, current)
}

// validatorFor compiles the schema aggregated over the plugins tree enables.
// Non-object trees and schemas that fail to build get the core-only
// validator.
func (s *Service) validatorFor(ctx context.Context, tree any) config.TreeValidator {
	obj, ok := tree.(map[string]any)
	if s.loader == nil || !ok {
		return config.ValidateTree
	}
	v, err := config.NewTreeValidator(s.schemaFor(ctx, obj).Document())
	if err != nil {
		s.logger.Warn("falling back to core config schema", "error", err)
		return config.ValidateTree
	}
	return v
}

func (s *Service) buildSchema(ctx context.Context) (*config.SchemaResponse, error) {
	if s.loader == nil {
		return config.BuildSchema(config.SchemaInput{Version: s.version}), nil
	}
	current, err := s.storedTree()
	if err != nil {
		return nil, err
	}
	return s.schemaFor(ctx, current), nil
}

// storedTree is the stored config, or its parsed form when it is invalid.
func (s *Service) storedTree() (map[string]any, error) {
	snap, err := s.store.Read()
	if err != nil {
		return nil, err
	}
	if !snap.Valid {
		if obj, ok := snap.Parsed.(map[string]any); ok {
			return obj, nil
		}
	}
	return snap.Config, nil
}

// schemaFor runs a detached load pass over tree, so the registry the host is
// serving stays in place.
func (s *Service) schemaFor(ctx context.Context, tree map[string]any) *config.SchemaResponse {
	if s.prepareTree != nil {
		prepared, err := s.prepareTree(config.Clone(tree))
		if err != nil {
			s.logger.Warn("config prepare failed, loading plugins with the stored tree", "error", err)
		} else {
			tree = prepared
		}
	}
	reg := s.loader.Load(ctx, plugin.LoadOptions{
		Config:             tree,
		WorkspaceDir:       s.workspaceDir,
		Logger:             logger.Discard(),
		CoreGatewayMethods: s.coreMethods,
		Detached:           true,
	})
	return config.BuildSchema(SchemaInputFor(reg, s.version))
}

// SchemaInputFor collects the schema contributions of enabled plugins and
// registered channels.
func SchemaInputFor(reg *plugin.Registry, version string) config.SchemaInput {
	in := config.SchemaInput{Version: version}
	if reg == nil {
		return in
	}
	for _, rec := range reg.Plugins {
		if !rec.Enabled {
			continue
		}
		in.Plugins = append(in.Plugins, config.PluginSchema{
			ID:            rec.ID,
			Name:          rec.Name,
			Description:   rec.Description,
			ConfigSchema:  rec.ConfigJSONSchema,
			ConfigUIHints: rec.ConfigUIHints,
		})
	}
	for _, ch := range reg.Channels {
		meta := ch.Plugin.Meta()
		cs := config.ChannelSchema{
			ID:          ch.Plugin.ID(),
			Label:       meta.Label,
			Description: meta.Blurb,
		}
		if schema := ch.Plugin.ConfigSchema(); schema != nil {
			cs.ConfigSchema = schema.Schema
			cs.ConfigUIHints = schema.UIHints
		}
		in.Channels = append(in.Channels, cs)
	}
	return in
}

func (s *Service) afterWrite(ctx context.Context, typ domain.AuditEventType, action, actor string, res *config.WriteResult) {
	s.logger.Info("config written", "action", action, "actor", actor, "path", res.Path, "hash", res.Hash)
	if s.audit != nil {
		event := domain.AuditEvent{
			ID:        ulid.Make().String(),
			Timestamp: time.Now().UTC(),
			Type:      typ,
			Actor:     actor,
			Resource:  res.Path,
			Action:    action,
			Outcome:   "ok",
			Detail: map[string]string{
				"prev_hash": res.PrevHash,
				"new_hash":  res.Hash,
			},
		}
		if err := s.audit.Log(ctx, event); err != nil {
			s.logger.Warn("config audit write failed", "error", err)
		}
	}
	if s.onWrite != nil {
		s.onWrite(res)
	}
}
