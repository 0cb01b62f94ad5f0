// Package catalog loads compliance framework definitions from YAML files and
// seeds them into the repository.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/scoring"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/pkg/logger"
)

// CodeCatalogInvalid marks a framework definition that cannot be loaded.
const CodeCatalogInvalid xerrors.Code = "CATALOG_INVALID"

func init() {
	xerrors.Register(CodeCatalogInvalid, xerrors.Attributes{
		Message:  "invalid framework definition",
		Severity: xerrors.SeverityCritical,
	})
}

// Framework is the file form of a framework and its controls.
type Framework struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Controls    []scoring.Control `yaml:"controls"`

	// Source is the file the framework was read from.
	Source string `yaml:"-"`
}

// Record converts the definition into its stored form.
func (f Framework) Record() store.Framework {
	return store.Framework{
		ID:           f.ID,
		Name:         f.Name,
		Version:      f.Version,
		Description:  f.Description,
		ControlCount: len(f.Controls),
	}
}

// Validate checks that ids are present and unique and control types known.
func (f Framework) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return invalid(f.Source, "framework id is required")
	}
	if strings.Contains(f.ID, "/") {
		return invalid(f.Source, fmt.Sprintf("framework id %q must not contain '/'", f.ID))
	}
	if len(f.Controls) == 0 {
		return invalid(f.Source, fmt.Sprintf("framework %s has no controls", f.ID))
	}
	seen := make(map[string]struct{}, len(f.Controls))
	for i, c := range f.Controls {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return invalid(f.Source, fmt.Sprintf("framework %s: control #%d has no id", f.ID, i+1))
		}
		if strings.Contains(id, "/") {
			return invalid(f.Source, fmt.Sprintf("framework %s: control id %q must not contain '/'", f.ID, id))
		}
		if _, dup := seen[id]; dup {
			return invalid(f.Source, fmt.Sprintf("framework %s: duplicate control id %s", f.ID, id))
		}
		seen[id] = struct{}{}
		switch scoring.ControlType(strings.ToLower(string(c.Type))) {
		case scoring.ControlTechnical, scoring.ControlOperational, scoring.ControlManagement, "":
		default:
			return invalid(f.Source, fmt.Sprintf("framework %s: control %s has unknown type %q", f.ID, id, c.Type))
		}
	}
	return nil
}

func invalid(source, msg string) error {
	opts := []xerrors.Option{}
	if source != "" {
		opts = append(opts, xerrors.WithMetadata("source", source))
	}
	return xerrors.New(CodeCatalogInvalid, msg, opts...)
}

// Parse decodes and validates one framework document.
func Parse(data []byte, source string) (Framework, error) {
	var fw Framework
	if err := yaml.Unmarshal(data, &fw); err != nil {
		return Framework{}, xerrors.Wrap(CodeCatalogInvalid, err, fmt.Sprintf("parse %s", source))
	}
	fw.Source = source
	fw.ID = strings.TrimSpace(fw.ID)
	for i := range fw.Controls {
		fw.Controls[i].ID = strings.TrimSpace(fw.Controls[i].ID)
		fw.Controls[i].Type = scoring.ControlType(strings.ToLower(strings.TrimSpace(string(fw.Controls[i].Type))))
	}
	if err := fw.Validate(); err != nil {
		return Framework{}, err
	}
	return fw, nil
}

// LoadFile reads a single framework file.
func LoadFile(path string) (Framework, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Framework{}, xerrors.Wrap(CodeCatalogInvalid, err, fmt.Sprintf("read %s", path))
	}
	return Parse(data, path)
}

// LoadDir reads every *.yaml and *.yml file in dir, sorted by framework id.
// Two files defining the same framework id are an error.
func LoadDir(dir string) ([]Framework, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Wrap(CodeCatalogInvalid, err, fmt.Sprintf("read catalog dir %s", dir))
	}
	var out []Framework
	sources := make(map[string]string)
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		fw, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if prev, dup := sources[fw.ID]; dup {
			return nil, invalid(fw.Source, fmt.Sprintf("framework %s already defined in %s", fw.ID, prev))
		}
		sources[fw.ID] = fw.Source
		out = append(out, fw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Seed stores every framework with its controls, replacing earlier versions.
func Seed(ctx context.Context, repo *store.Repository, frameworks []Framework) error {
	log := logger.Named("catalog")
	for _, fw := range frameworks {
		if err := repo.SaveFramework(ctx, fw.Record(), fw.Controls); err != nil {
			return fmt.Errorf("seed framework %s: %w", fw.ID, err)
		}
		log.Info("framework loaded",
			slog.String("framework", fw.ID),
			slog.Int("controls", len(fw.Controls)),
			slog.String("source", fw.Source),
		)
	}
	return nil
}
