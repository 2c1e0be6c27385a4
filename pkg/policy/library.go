package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/enclagent/gateway/pkg/models"
)

// templatesYAMLFile is the structure of a user-supplied template catalog.
type templatesYAMLFile struct {
	Templates []models.PolicyTemplate `yaml:"templates"`
}

// Library is the immutable policy template catalog: built-in templates
// merged with an optional user-supplied YAML catalog. User entries override
// built-ins by template_id; unknown IDs are appended in file order.
type Library struct {
	templates   map[string]models.PolicyTemplate
	order       []string
	generatedAt time.Time
}

// NewLibrary builds the template library. templatesPath may be empty, in
// which case only the built-in catalog is served. A missing file at a
// non-empty path is an error; an unreadable or malformed file is too.
func NewLibrary(templatesPath string) (*Library, error) {
	lib := &Library{
		templates:   make(map[string]models.PolicyTemplate),
		generatedAt: time.Now().UTC(),
	}

	for _, t := range getBuiltinTemplates() {
		lib.templates[t.TemplateID] = t
		lib.order = append(lib.order, t.TemplateID)
	}

	if templatesPath == "" {
		return lib, nil
	}

	user, err := loadUserTemplates(templatesPath)
	if err != nil {
		return nil, err
	}

	for _, t := range user {
		if t.TemplateID == "" {
			return nil, fmt.Errorf("user template catalog %s: entry missing template_id", templatesPath)
		}
		if base, ok := lib.templates[t.TemplateID]; ok {
			// Merge user fields over the built-in so partial overrides keep
			// the built-in defaults for unset fields.
			merged := base
			if err := mergo.Merge(&merged, t, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge template %q: %w", t.TemplateID, err)
			}
			lib.templates[t.TemplateID] = merged
		} else {
			lib.templates[t.TemplateID] = t
			lib.order = append(lib.order, t.TemplateID)
		}
	}

	slog.Info("Loaded user policy templates",
		"path", templatesPath,
		"user_templates", len(user),
		"total_templates", len(lib.order))

	return lib, nil
}

func loadUserTemplates(path string) ([]models.PolicyTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog %s: %w", path, err)
	}

	data = ExpandEnv(data)

	var file templatesYAMLFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse template catalog %s: %w", path, err)
	}

	return file.Templates, nil
}

// All returns every template in catalog order.
func (l *Library) All() []models.PolicyTemplate {
	out := make([]models.PolicyTemplate, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.templates[id])
	}
	return out
}

// Get returns the template with the given ID.
func (l *Library) Get(templateID string) (models.PolicyTemplate, error) {
	t, ok := l.templates[templateID]
	if !ok {
		return models.PolicyTemplate{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	return t, nil
}

// ByDomain returns the templates whose domain matches, in catalog order.
// An empty domain matches everything.
func (l *Library) ByDomain(domain string) []models.PolicyTemplate {
	if domain == "" {
		return l.All()
	}
	var out []models.PolicyTemplate
	for _, id := range l.order {
		if t := l.templates[id]; t.Domain == domain {
			out = append(out, t)
		}
	}
	return out
}

// Domains returns the distinct domains in the catalog, sorted.
func (l *Library) Domains() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range l.order {
		d := l.templates[id].Domain
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// GeneratedAt reports when the catalog snapshot was assembled.
func (l *Library) GeneratedAt() time.Time {
	return l.generatedAt
}
