package textproc

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// emotionVocabulary is the fixed set of keywords recognised as emotion tags
// when they appear parenthesized in a sentence.
var emotionVocabulary = []string{
	"joyful", "sad", "angry", "surprised", "scared", "disgusted",
	"confused", "curious", "worried", "satisfied", "sarcastic",
	"laughing", "crying loudly", "sighing", "whispering", "hesitating",
}

var emotionTag = regexp.MustCompile(`(?i)\(\s*(` + strings.Join(emotionVocabulary, "|") + `)\s*\)`)

var collapseWhitespace = regexp.MustCompile(`\s+`)

// Rule is one ordered rewrite applied by the [Cleaner]. Pattern uses Go
// regexp syntax; Replacement may reference capture groups with $1, $2, ...
type Rule struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// DefaultRules returns the built-in rewrite rules: strip stage directions
// (*...* and [...]), giggle markers, filler syllables, and collapse runs of
// whitespace.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `\*[^*]*\*`, Replacement: ""},
		{Pattern: `\[[^\]]*\]`, Replacement: ""},
		{Pattern: `\((?:웃음|giggle)\)`, Replacement: ""},
		{Pattern: `\b(?:음|uh|um)+[.…]*`, Replacement: ""},
		{Pattern: `\s{2,}`, Replacement: " "},
	}
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
}

// CleanerOption configures a [Cleaner].
type CleanerOption func(*cleanerConfig)

type cleanerConfig struct {
	rules []Rule
	path  string
	log   *slog.Logger
}

// WithRules supplies the rewrite rules directly, replacing the defaults.
func WithRules(rules []Rule) CleanerOption {
	return func(c *cleanerConfig) { c.rules = rules }
}

// WithRulesFile loads the rewrite rules from a YAML or JSON file. When the
// file cannot be read or parsed the Cleaner falls back to [DefaultRules]
// with a warning.
func WithRulesFile(path string) CleanerOption {
	return func(c *cleanerConfig) { c.path = path }
}

// WithCleanerLogger sets the logger used for rule warnings. Default: slog.Default().
func WithCleanerLogger(log *slog.Logger) CleanerOption {
	return func(c *cleanerConfig) { c.log = log }
}

// Cleaner rewrites a sentence into a TTS-speakable form and extracts an
// emotion tag. Rules run in order; the emotion tag itself is left in the text
// so a rule can decide whether to strip it.
type Cleaner struct {
	rules []compiledRule
	log   *slog.Logger
}

// NewCleaner creates a Cleaner. Without options the built-in default rules
// are installed. Malformed rules are skipped with a warning; if no valid rule
// survives, a single whitespace-collapse rule is installed as a safety net.
func NewCleaner(opts ...CleanerOption) *Cleaner {
	cfg := cleanerConfig{log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	rules := cfg.rules
	if cfg.path != "" {
		loaded, err := LoadRules(cfg.path)
		if err != nil {
			cfg.log.Warn("failed to load TTS rules file, using defaults",
				"path", cfg.path, "error", err)
		} else {
			rules = loaded
		}
	}
	if rules == nil {
		rules = DefaultRules()
	}

	c := &Cleaner{log: cfg.log}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			c.log.Warn("skipping malformed TTS rule", "pattern", r.Pattern, "error", err)
			continue
		}
		c.rules = append(c.rules, compiledRule{re: re, replacement: r.Replacement})
	}
	if len(c.rules) == 0 {
		c.rules = []compiledRule{{re: collapseWhitespace, replacement: " "}}
	}
	return c
}

// Process applies the rule list to text and returns the cleaned result plus
// the extracted emotion tag ("" when none). Only the first parenthesized
// vocabulary keyword counts; runs of whitespace are collapsed afterwards.
func (c *Cleaner) Process(text string) (string, string) {
	var emotion string
	if m := emotionTag.FindStringSubmatch(text); m != nil {
		emotion = strings.ToLower(m[1])
	}

	for _, r := range c.rules {
		text = r.re.ReplaceAllString(text, r.replacement)
	}

	text = collapseWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text), emotion
}

// LoadRules reads an ordered rule list from a YAML or JSON file. Both a bare
// list and a document with a top-level "rules" key are accepted.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("textproc: read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses rule file contents. JSON is a subset of YAML, so a single
// YAML decode covers both formats.
func ParseRules(data []byte) ([]Rule, error) {
	var wrapped struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err == nil && len(wrapped.Rules) > 0 {
		return wrapped.Rules, nil
	}

	var list []Rule
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("textproc: parse rules: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("textproc: rules file contains no rules")
	}
	return list, nil
}
