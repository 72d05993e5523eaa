package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/0xlens/yieldsync/internal/expr"
)

const inlineSourceName = "inline-config"

// Catalog captures the merged source definitions after loading every
// configured document. The metadata explains what was loaded and why certain
// definitions were skipped.
type Catalog struct {
	Sources map[string]SourceConfig
	Files   []string
	Skipped []SourceSkip
}

type catalogDocument struct {
	Sources map[string]SourceConfig `koanf:"sources"`
}

type catalogAggregator struct {
	sources   map[string]SourceConfig
	definedIn map[string]string
	skips     map[string]*SourceSkip
	files     map[string]struct{}
}

func newCatalogAggregator() *catalogAggregator {
	return &catalogAggregator{
		sources:   make(map[string]SourceConfig),
		definedIn: make(map[string]string),
		skips:     make(map[string]*SourceSkip),
		files:     make(map[string]struct{}),
	}
}

func (a *catalogAggregator) addDocument(doc catalogDocument, origin string) {
	if origin != "" {
		a.files[origin] = struct{}{}
	}
	for name, cfg := range doc.Sources {
		a.addSource(name, cfg, origin)
	}
}

func (a *catalogAggregator) addSource(name string, cfg SourceConfig, origin string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, origin)
		return
	}
	if prev, ok := a.definedIn[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, origin)
		delete(a.definedIn, name)
		delete(a.sources, name)
		return
	}
	a.definedIn[name] = origin
	a.sources[name] = cfg
}

// validateGuards quarantines sources whose acceptance guard does not compile.
// A broken guard would otherwise reject every sample at runtime, which is far
// harder to diagnose than an entry in the skip list.
func (a *catalogAggregator) validateGuards(env *expr.Environment) {
	for name, cfg := range a.sources {
		guard := strings.TrimSpace(cfg.Guard)
		if guard == "" {
			continue
		}
		if _, err := env.Compile(guard); err != nil {
			origin := a.definedIn[name]
			a.recordSkip(name, fmt.Sprintf("invalid guard expression: %v", err), origin)
			delete(a.definedIn, name)
			delete(a.sources, name)
		}
	}
}

func (a *catalogAggregator) recordSkip(name, reason string, origins ...string) {
	if skip, ok := a.skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range origins {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &SourceSkip{
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range origins {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[name] = skip
}

func (a *catalogAggregator) catalog(defaults map[string]SourceConfig) Catalog {
	sources := make(map[string]SourceConfig, len(a.sources)+len(defaults))
	for name, cfg := range a.sources {
		sources[name] = cfg
	}
	// Built-in defaults sit underneath operator definitions: a configured
	// source with the same name wins outright, a quarantined one stays
	// quarantined rather than silently reverting to the default.
	for name, cfg := range defaults {
		if _, ok := sources[name]; ok {
			continue
		}
		if _, ok := a.skips[name]; ok {
			continue
		}
		sources[name] = cfg
	}
	skipped := make([]SourceSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	files := make([]string, 0, len(a.files))
	for src := range a.files {
		if src != "" && src != inlineSourceName {
			files = append(files, src)
		}
	}
	sort.Strings(files)
	return Catalog{Sources: sources, Files: files, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildCatalog(ctx context.Context, inline map[string]SourceConfig, catalogCfg CatalogConfig) (Catalog, error) {
	agg := newCatalogAggregator()
	if len(inline) > 0 {
		agg.addDocument(catalogDocument{Sources: inline}, inlineSourceName)
	}

	paths, err := collectCatalogFiles(ctx, catalogCfg)
	if err != nil {
		return Catalog{}, err
	}
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return Catalog{}, ctx.Err()
		default:
		}
		doc, err := loadCatalogDocument(path)
		if err != nil {
			return Catalog{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return Catalog{}, err
	}
	agg.validateGuards(env)
	return agg.catalog(DefaultSources()), nil
}

func collectCatalogFiles(ctx context.Context, catalogCfg CatalogConfig) ([]string, error) {
	if catalogCfg.SourcesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(catalogCfg.SourcesFile); err != nil {
			return nil, err
		}
		return []string{catalogCfg.SourcesFile}, nil
	}
	if catalogCfg.SourcesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(catalogCfg.SourcesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: sources folder %s: %w", catalogCfg.SourcesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: sources folder %s is not a directory", catalogCfg.SourcesFolder)
	}
	var files []string
	err = filepath.WalkDir(catalogCfg.SourcesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedCatalogFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk sources folder %s: %w", catalogCfg.SourcesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: sources file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: sources file %s: expected a file, found directory", path)
	}
	return nil
}

func loadCatalogDocument(path string) (catalogDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return catalogDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return catalogDocument{}, fmt.Errorf("config: load sources from %s: %w", path, err)
	}
	var doc catalogDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return catalogDocument{}, fmt.Errorf("config: decode sources from %s: %w", path, err)
	}
	if doc.Sources == nil {
		doc.Sources = make(map[string]SourceConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported sources file extension %s", ext)
	}
}

func isSupportedCatalogFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneSourceMap(in map[string]SourceConfig) map[string]SourceConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
