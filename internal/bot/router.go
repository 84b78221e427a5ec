package bot

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"versebot/internal/domain"
)

// RuleSet is the routing policy: direct-address patterns, content keywords,
// and the default handler name. Loaded from YAML, with compiled-in defaults
// when no rules file is configured. Rules are ordered lists, not maps: when
// patterns overlap, the first matching rule in file order wins.
type RuleSet struct {
	Direct   []DirectRule  `yaml:"direct"`
	Keywords []KeywordRule `yaml:"keywords"`
	Default  string        `yaml:"default"`
}

// DirectRule binds direct-address regex patterns to one handler.
type DirectRule struct {
	Handler  string   `yaml:"handler"`
	Patterns []string `yaml:"patterns"`
}

// KeywordRule binds content keywords to one handler.
type KeywordRule struct {
	Handler string   `yaml:"handler"`
	Words   []string `yaml:"words"`
}

// DefaultRules routes creative vocabulary to the poet and everything else to
// the assistant. Direct address ("poet: ...") always wins over keywords.
func DefaultRules() RuleSet {
	return RuleSet{
		Direct: []DirectRule{
			{Handler: "assistant", Patterns: []string{`^\s*(assistant|bot)\s*[,:]`}},
			{Handler: "poet", Patterns: []string{`^\s*(poet|bard)\s*[,:]`}},
		},
		Keywords: []KeywordRule{
			{Handler: "poet", Words: []string{"poem", "verse", "rhyme", "stanza", "poetry", "song", "music", "track", "melody", "lyric"}},
		},
		Default: "assistant",
	}
}

// LoadRules reads a YAML rules file. Missing file or empty path falls back to
// the compiled-in defaults.
func LoadRules(path string, logger *slog.Logger) RuleSet {
	if path == "" {
		return DefaultRules()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("routing rules file not readable, using defaults", "path", path, "error", err)
		return DefaultRules()
	}

	var rules RuleSet
	if err := yaml.Unmarshal(data, &rules); err != nil {
		logger.Warn("routing rules file invalid, using defaults", "path", path, "error", err)
		return DefaultRules()
	}
	if rules.Default == "" {
		rules.Default = DefaultRules().Default
	}
	logger.Info("routing rules loaded", "path", path)
	return rules
}

type directRule struct {
	handler string
	pattern *regexp.Regexp
}

type keywordRule struct {
	handler string
	word    string
}

// Router picks a handler for each text message. Priority: direct address,
// then content keywords, then the default handler, then the first registered
// handler. Voice messages never pass through the router; the dispatcher wires
// them to the assistant directly.
type Router struct {
	registry    *Registry
	direct      []directRule
	keywords    []keywordRule
	defaultName string
	logger      *slog.Logger
}

func NewRouter(registry *Registry, rules RuleSet, logger *slog.Logger) (*Router, error) {
	r := &Router{
		registry:    registry,
		defaultName: rules.Default,
		logger:      logger,
	}

	for _, dr := range rules.Direct {
		for _, p := range dr.Patterns {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("invalid direct pattern %q for %s: %w", p, dr.Handler, err)
			}
			r.direct = append(r.direct, directRule{handler: dr.Handler, pattern: re})
		}
	}
	for _, kr := range rules.Keywords {
		for _, w := range kr.Words {
			r.keywords = append(r.keywords, keywordRule{handler: kr.Handler, word: strings.ToLower(w)})
		}
	}
	return r, nil
}

// Select returns the handler for a text message. Returns domain.ErrNoHandler
// only when the registry is empty.
func (r *Router) Select(text string) (domain.Handler, error) {
	for _, rule := range r.direct {
		if rule.pattern.MatchString(text) {
			if h, ok := r.registry.Get(rule.handler); ok {
				r.logger.Debug("routed by direct address", "handler", rule.handler)
				return h, nil
			}
		}
	}

	lower := strings.ToLower(text)
	for _, rule := range r.keywords {
		if strings.Contains(lower, rule.word) {
			if h, ok := r.registry.Get(rule.handler); ok {
				r.logger.Debug("routed by keyword", "handler", rule.handler, "keyword", rule.word)
				return h, nil
			}
		}
	}

	if h, ok := r.registry.Get(r.defaultName); ok {
		return h, nil
	}

	if h := r.registry.First(); h != nil {
		r.logger.Warn("default handler missing, using first registered", "default", r.defaultName, "handler", h.Name())
		return h, nil
	}

	return nil, domain.ErrNoHandler
}

// StripDirectAddress removes a leading direct-address prefix so the handler
// sees the bare request.
func (r *Router) StripDirectAddress(text string) string {
	for _, rule := range r.direct {
		if loc := rule.pattern.FindStringIndex(text); loc != nil && loc[0] == 0 {
			return strings.TrimSpace(text[loc[1]:])
		}
	}
	return text
}
