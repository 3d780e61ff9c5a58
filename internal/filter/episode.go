// Package filter holds the filename classification rules and the
// skip-path set consulted before traversal.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"davscan/internal/config"
)

// Classifier decides whether a filename is a reportable episode and
// which language label it belongs to.
type Classifier struct {
	exts  []string
	langs []langRule
}

type langRule struct {
	label    string
	patterns []*regexp.Regexp
}

// NewClassifier compiles the configured extension and language rules.
func NewClassifier(cfg config.FilterConfig) (*Classifier, error) {
	c := &Classifier{}
	for _, ext := range cfg.VideoExtensions {
		c.exts = append(c.exts, strings.ToLower(ext))
	}
	labels := make([]string, 0, len(cfg.Languages))
	for label := range cfg.Languages {
		labels = append(labels, label)
	}
	sort.Strings(labels) // stable match order across runs

	for _, label := range labels {
		rule := langRule{label: label}
		for _, p := range cfg.Languages[label] {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("compiling language rule %q for %s: %w", p, label, err)
			}
			rule.patterns = append(rule.patterns, re)
		}
		c.langs = append(c.langs, rule)
	}
	return c, nil
}

// IsVideo reports whether the filename carries a configured video
// extension.
func (c *Classifier) IsVideo(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range c.exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// DetectLang returns the first language label whose rules match the
// given path or filename, or "" when none do.
func (c *Classifier) DetectLang(pathOrName string) string {
	for _, rule := range c.langs {
		for _, re := range rule.patterns {
			if re.MatchString(pathOrName) {
				return rule.label
			}
		}
	}
	return ""
}

// Qualify classifies a file by its full path. It returns the detected
// language and whether the file is a reportable episode. A malformed or
// unmatched name is simply not qualifying, never an error.
func (c *Classifier) Qualify(path string) (lang string, ok bool) {
	filename := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		filename = path[i+1:]
	}
	if !c.IsVideo(filename) {
		return "", false
	}
	lang = c.DetectLang(path)
	if lang == "" {
		lang = c.DetectLang(filename)
	}
	if lang == "" {
		return "", false
	}
	return lang, true
}
