// Package playbook implements the playbook registry: discovery across
// built-in definitions, capability pack manifests, and user-defined store
// rows, with a fixed precedence order.
package playbook

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/store"
)

//go:embed builtins
var builtinFS embed.FS

const defaultLocale = "en"

// definition is one discovered playbook resource pair (markdown + optional
// structured workflow).
type definition struct {
	playbook *models.Playbook
	body     string
	workflow *models.HandoffPlan
	source   models.PlaybookSource
}

// Registry resolves playbooks across all sources. Built-ins and packs are
// loaded once at construction; user rows are read per query so edits are
// visible without a restart.
type Registry struct {
	logger *slog.Logger
	store  store.PlaybookStore

	// static[locale][code] holds builtin and pack definitions, pack entries
	// already overriding builtin ones.
	static map[string]map[string]*definition
}

// NewRegistry loads built-in playbooks and, when packsDir is non-empty,
// scans capability pack manifests beneath it.
func NewRegistry(logger *slog.Logger, st store.PlaybookStore, packsDir string) (*Registry, error) {
	r := &Registry{
		logger: logger.With("component", "playbook_registry"),
		store:  st,
		static: make(map[string]map[string]*definition),
	}

	sub, err := fs.Sub(builtinFS, "builtins")
	if err != nil {
		return nil, fmt.Errorf("failed to open builtin playbooks: %w", err)
	}
	if err := r.loadDir(sub, ".", models.PlaybookSourceBuiltin); err != nil {
		return nil, err
	}

	if packsDir != "" {
		if err := r.loadPacks(packsDir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) insert(locale string, def *definition) {
	if r.static[locale] == nil {
		r.static[locale] = make(map[string]*definition)
	}
	code := def.playbook.PlaybookCode
	if existing, ok := r.static[locale][code]; ok {
		r.logger.Debug("playbook overridden",
			"playbook_code", code,
			"locale", locale,
			"previous_source", existing.source,
			"source", def.source)
	}
	// Higher-priority source fully replaces the lower; no field merge.
	r.static[locale][code] = def
}

// loadDir reads every markdown resource under dir, pairing it with a
// same-stem JSON workflow when present.
func (r *Registry) loadDir(fsys fs.FS, dir string, source models.PlaybookSource) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read playbook dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		code, locale, _ := resourceLocale(entry.Name(), ".md")

		path := entry.Name()
		if dir != "." {
			path = dir + "/" + entry.Name()
		}
		raw, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read playbook %s: %w", path, err)
		}
		pb, body, err := parseDocument(string(raw))
		if err != nil {
			r.logger.Warn("skipping malformed playbook resource", "path", path, "error", err)
			continue
		}
		if pb.PlaybookCode != code {
			r.logger.Warn("playbook code does not match file name; using front matter",
				"path", path, "playbook_code", pb.PlaybookCode)
		}
		pb.Source = source

		def := &definition{playbook: pb, body: body, source: source}
		def.workflow = r.loadWorkflow(fsys, dir, pb.PlaybookCode, locale)
		r.insert(locale, def)
	}
	return nil
}

func (r *Registry) loadWorkflow(fsys fs.FS, dir, code, locale string) *models.HandoffPlan {
	names := []string{code + ".json"}
	if locale != defaultLocale {
		names = []string{code + "." + locale + ".json", code + ".json"}
	}
	for _, name := range names {
		path := name
		if dir != "." {
			path = dir + "/" + name
		}
		raw, err := fs.ReadFile(fsys, path)
		if err != nil {
			continue
		}
		var plan models.HandoffPlan
		if err := json.Unmarshal(raw, &plan); err != nil {
			r.logger.Warn("skipping malformed workflow resource", "path", path, "error", err)
			continue
		}
		return &plan
	}
	return nil
}

// lookupStatic resolves a builtin/pack definition with locale fallback to en.
func (r *Registry) lookupStatic(code, locale string) *definition {
	if defs := r.static[locale]; defs != nil {
		if def, ok := defs[code]; ok {
			return def
		}
	}
	if locale != defaultLocale {
		if defs := r.static[defaultLocale]; defs != nil {
			if def, ok := defs[code]; ok {
				return def
			}
		}
	}
	return nil
}

// List returns playbook metadata visible to a workspace, in precedence-merged
// form. When source is non-empty only that source's definitions are listed.
func (r *Registry) List(ctx context.Context, workspaceID, locale string, source models.PlaybookSource) ([]models.PlaybookMetadata, error) {
	if locale == "" {
		locale = defaultLocale
	}

	merged := make(map[string]models.PlaybookMetadata)
	addStatic := func(loc string) {
		for code, def := range r.static[loc] {
			if source != "" && def.source != source {
				continue
			}
			merged[code] = def.playbook.PlaybookMetadata
		}
	}
	addStatic(defaultLocale)
	if locale != defaultLocale {
		addStatic(locale)
	}

	if source == "" || source == models.PlaybookSourceUser {
		userRows, err := r.store.ListUserPlaybooks(ctx, workspaceID, locale)
		if err != nil {
			return nil, fmt.Errorf("failed to list user playbooks: %w", err)
		}
		for _, run := range userRows {
			md := run.PlaybookMetadata
			md.Source = models.PlaybookSourceUser
			merged[md.PlaybookCode] = md
		}
	}

	out := make([]models.PlaybookMetadata, 0, len(merged))
	for _, md := range merged {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlaybookCode < out[j].PlaybookCode })
	return out, nil
}

// Get resolves a single playbook definition, honouring source precedence.
// Returns nil when no source supplies the code.
func (r *Registry) Get(ctx context.Context, code, locale, workspaceID string) (*models.Playbook, error) {
	run, err := r.LoadRun(ctx, code, locale, workspaceID)
	if err != nil || run == nil {
		return nil, err
	}
	return &run.Playbook, nil
}

// LoadRun resolves the executable view of a playbook: metadata, markdown
// body, and the structured workflow when one exists. Returns nil when no
// source supplies the code.
func (r *Registry) LoadRun(ctx context.Context, code, locale, workspaceID string) (*models.PlaybookRun, error) {
	if locale == "" {
		locale = defaultLocale
	}

	// User rows take precedence over anything static.
	userRows, err := r.store.ListUserPlaybooks(ctx, workspaceID, locale)
	if err != nil {
		return nil, fmt.Errorf("failed to list user playbooks: %w", err)
	}
	for _, run := range userRows {
		if run.PlaybookCode == code {
			run.Source = models.PlaybookSourceUser
			return run, nil
		}
	}

	def := r.lookupStatic(code, locale)
	if def == nil {
		return nil, nil
	}
	pb := *def.playbook
	return &models.PlaybookRun{
		Playbook:     pb,
		Body:         def.body,
		WorkflowJSON: def.workflow,
	}, nil
}
