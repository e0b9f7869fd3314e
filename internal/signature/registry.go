// Package signature keeps the active threat signature set in memory and
// keeps it in step with the store and the signature file.
package signature

import (
	"fmt"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/org/agentwall/pkg/models"
)

// AnyCategory in a signature condition matches signatures of every category.
const AnyCategory = "*"

type compiled struct {
	sig *models.ThreatSignature
	re  *regexp.Regexp
}

type set struct {
	version    int
	byCategory map[string][]compiled
	all        []*models.ThreatSignature
}

// Registry is the read side used during evaluation. Replace swaps the whole
// set atomically; readers never see a partly loaded version.
type Registry struct {
	cur atomic.Pointer[set]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.cur.Store(&set{byCategory: map[string][]compiled{}})
	return r
}

// Compile validates sigs without installing them.
func Compile(sigs []*models.ThreatSignature) error {
	_, err := build(0, sigs)
	return err
}

func build(version int, sigs []*models.ThreatSignature) (*set, error) {
	s := &set{version: version, byCategory: make(map[string][]compiled)}
	for i, sig := range sigs {
		if sig.Category == "" {
			return nil, fmt.Errorf("signature %d: category is required", i)
		}
		if !sig.Severity.Valid() {
			return nil, fmt.Errorf("signature %d (%s): invalid severity %q", i, sig.Category, sig.Severity)
		}
		re, err := regexp.Compile(sig.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %d (%s): %w", i, sig.Category, err)
		}
		cp := *sig
		s.byCategory[sig.Category] = append(s.byCategory[sig.Category], compiled{sig: &cp, re: re})
		s.all = append(s.all, &cp)
	}
	sort.Slice(s.all, func(i, j int) bool {
		if s.all[i].Category != s.all[j].Category {
			return s.all[i].Category < s.all[j].Category
		}
		return s.all[i].Pattern < s.all[j].Pattern
	})
	return s, nil
}

// Replace compiles sigs and installs them as version. On error the current
// set stays in place.
func (r *Registry) Replace(version int, sigs []*models.ThreatSignature) error {
	s, err := build(version, sigs)
	if err != nil {
		return err
	}
	r.cur.Store(s)
	return nil
}

// Version returns the installed signature version; 0 when none loaded.
func (r *Registry) Version() int { return r.cur.Load().version }

// List returns the installed signatures ordered by category.
func (r *Registry) List() []*models.ThreatSignature {
	s := r.cur.Load()
	out := make([]*models.ThreatSignature, len(s.all))
	copy(out, s.all)
	return out
}

// Match is the result of scanning text against one category.
type Match struct {
	Matched      bool
	Severity     models.Severity
	Category     string
	Spans        [][2]int
	SignatureIDs []string
}

// Match scans text with every signature of category at or above min.
func (r *Registry) Match(category string, min models.Severity, text string) Match {
	s := r.cur.Load()
	var candidates []compiled
	if category == AnyCategory {
		cats := make([]string, 0, len(s.byCategory))
		for c := range s.byCategory {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		for _, c := range cats {
			candidates = append(candidates, s.byCategory[c]...)
		}
	} else {
		candidates = s.byCategory[category]
	}

	m := Match{Category: category}
	for _, c := range candidates {
		if c.sig.Severity.Rank() < min.Rank() {
			continue
		}
		locs := c.re.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		if category == AnyCategory && c.sig.Severity.Rank() > m.Severity.Rank() {
			m.Category = c.sig.Category
		}
		m.Matched = true
		m.Severity = models.MaxSeverity(m.Severity, c.sig.Severity)
		for _, loc := range locs {
			m.Spans = append(m.Spans, [2]int{loc[0], loc[1]})
		}
		if c.sig.ID != "" {
			m.SignatureIDs = append(m.SignatureIDs, c.sig.ID)
		}
	}
	return m
}
