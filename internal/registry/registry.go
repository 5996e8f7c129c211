// Package registry is the definition catalog. Every (name, version) pair is
// registered exactly once and immutable afterwards; instances resolve either
// a pinned version or the highest active one, so re-registering under a new
// version never disturbs what is already running.
package registry

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/loomrun/loom/internal/expressions"
	"github.com/loomrun/loom/internal/handlers"
	"github.com/loomrun/loom/internal/store"
	"github.com/loomrun/loom/internal/validation"
	"github.com/loomrun/loom/pkg/schema"
)

// Options configures a Registry. Store is optional: without one, document
// registrations live for the process only. Handlers, Compiler and Validator
// default to fresh instances when nil.
type Options struct {
	Store     store.Store
	Handlers  *handlers.Registry
	Compiler  schema.ExpressionCompiler
	Validator *validation.DocumentValidator
	Logger    *slog.Logger
}

// Registry holds compiled definitions by name and version.
type Registry struct {
	store     store.Store
	handlers  *handlers.Registry
	compiler  schema.ExpressionCompiler
	validator *validation.DocumentValidator
	log       *slog.Logger

	mu   sync.RWMutex
	defs map[string]map[string]*entry
}

type entry struct {
	def    *schema.Definition
	doc    *schema.DefinitionDocument
	active bool
}

// Info summarizes one registered definition version.
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

// New builds a registry. Missing collaborators are constructed with
// defaults; the only error source is expression engine setup.
func New(opts Options) (*Registry, error) {
	if opts.Handlers == nil {
		opts.Handlers = handlers.NewRegistry()
	}
	if opts.Compiler == nil {
		c, err := expressions.NewCompiler()
		if err != nil {
			return nil, err
		}
		opts.Compiler = c
	}
	if opts.Validator == nil {
		checker, ok := opts.Compiler.(validation.ExpressionChecker)
		if !ok {
			checker = nil
		}
		v, err := validation.NewDocumentValidator(opts.Handlers, checker)
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		store:     opts.Store,
		handlers:  opts.Handlers,
		compiler:  opts.Compiler,
		validator: opts.Validator,
		log:       opts.Logger,
		defs:      make(map[string]map[string]*entry),
	}, nil
}

// Handlers returns the handler registry definitions compile against.
func (r *Registry) Handlers() *handlers.Registry {
	return r.handlers
}

// Register adds a code-built definition. The definition is validated and
// rejected with a DEFINITION_ERROR when defective, and with a CONFLICT when
// its (name, version) is already taken. Code-built definitions are not
// persisted; re-register them at boot.
func (r *Registry) Register(def *schema.Definition) error {
	if err := def.Validate().ToDefinitionError(def.Name(), def.Version()); err != nil {
		return err
	}
	return r.put(def, nil, true)
}

// RegisterDocument validates, compiles and stores a definition document,
// activating it for highest-active resolution.
func (r *Registry) RegisterDocument(ctx context.Context, doc *schema.DefinitionDocument) (*schema.Definition, error) {
	if err := r.validator.ValidateDocument(doc); err != nil {
		return nil, err
	}
	def, err := CompileDocument(doc, r.handlers, r.compiler)
	if err != nil {
		return nil, err
	}
	if err := r.put(def, doc, true); err != nil {
		return nil, err
	}
	if r.store != nil {
		if err := r.store.SaveDocument(ctx, doc, true); err != nil {
			r.drop(def.Name(), def.Version())
			return nil, err
		}
	}
	r.log.Info("definition registered",
		"definition", def.Name(), "version", def.Version(), "steps", len(def.StepIDs()))
	return def, nil
}

// RegisterJSON decodes raw JSON and registers it as a document.
func (r *Registry) RegisterJSON(ctx context.Context, raw []byte) (*schema.Definition, error) {
	doc, err := schema.DecodeDocument(raw)
	if err != nil {
		return nil, err
	}
	return r.RegisterDocument(ctx, doc)
}

// Resolve returns the definition for name. An empty version picks the
// highest active one by dotted-numeric comparison; otherwise the match is
// exact regardless of active flags, so pinned instances keep resolving
// after deactivation.
func (r *Registry) Resolve(name, version string) (*schema.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.defs[name]
	if len(versions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition not found: %s", name)
	}
	if version != "" {
		e, ok := versions[version]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %s has no version %s", name, version)
		}
		return e.def, nil
	}

	var best string
	for v, e := range versions {
		if !e.active {
			continue
		}
		if best == "" || compareVersions(v, best) > 0 {
			best = v
		}
	}
	if best == "" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %s has no active version", name)
	}
	return versions[best].def, nil
}

// Document returns the stored document form of a registered definition.
// Code-built definitions have none.
func (r *Registry) Document(name, version string) (*schema.DefinitionDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.defs[name][version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %s has no version %s", name, version)
	}
	if e.doc == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %s version %s has no document form", name, version)
	}
	return e.doc, nil
}

// SetActive flips a version's participation in highest-active resolution.
// The definition itself stays resolvable by exact version.
func (r *Registry) SetActive(ctx context.Context, name, version string, active bool) error {
	r.mu.Lock()
	e, ok := r.defs[name][version]
	if !ok {
		r.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %s has no version %s", name, version)
	}
	e.active = active
	persisted := e.doc != nil
	r.mu.Unlock()

	if r.store != nil && persisted {
		return r.store.SetDocumentActive(ctx, name, version, active)
	}
	return nil
}

// List returns every registered version, sorted by name then version.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for name, versions := range r.defs {
		for v, e := range versions {
			info := Info{Name: name, Version: v, Active: e.active}
			if e.doc != nil {
				info.Description = e.doc.Description
			}
			out = append(out, info)
		}
	}
	sortInfos(out)
	return out
}

// Versions returns the registered versions of a definition, lowest first.
func (r *Registry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for v := range r.defs[name] {
		out = append(out, v)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && compareVersions(out[j], out[j-1]) < 0; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Load compiles every document in the store into the catalog. Documents
// that no longer compile (a handler was removed, an expression dialect is
// gone) are logged and skipped rather than blocking boot.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	infos, err := r.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		r.mu.RLock()
		_, exists := r.defs[info.Name][info.Version]
		r.mu.RUnlock()
		if exists {
			continue
		}
		doc, err := r.store.LoadDocument(ctx, info.Name, info.Version)
		if err != nil {
			r.log.Warn("load stored definition", "definition", info.Name, "version", info.Version, "error", err)
			continue
		}
		def, err := CompileDocument(doc, r.handlers, r.compiler)
		if err != nil {
			r.log.Warn("compile stored definition", "definition", info.Name, "version", info.Version, "error", err)
			continue
		}
		if err := r.put(def, doc, info.Active); err != nil {
			r.log.Warn("register stored definition", "definition", info.Name, "version", info.Version, "error", err)
		}
	}
	return nil
}

func (r *Registry) put(def *schema.Definition, doc *schema.DefinitionDocument, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, version := def.Name(), def.Version()
	if _, dup := r.defs[name][version]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s version %s is already registered", name, version)
	}
	if r.defs[name] == nil {
		r.defs[name] = make(map[string]*entry)
	}
	r.defs[name][version] = &entry{def: def, doc: doc, active: active}
	return nil
}

func (r *Registry) drop(name, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs[name], version)
}

// compareVersions orders dotted version strings: numeric segments compare
// numerically, mixed segments lexically, and a longer version with equal
// prefix is newer. Good enough for "1.2" vs "1.10" without a full semver
// grammar.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

func sortInfos(infos []Info) {
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && lessInfo(infos[j], infos[j-1]); j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
}

func lessInfo(a, b Info) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return compareVersions(a.Version, b.Version) < 0
}
