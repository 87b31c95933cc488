package background

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

const (
	// TrackingRuleID is the id of the image blocking rule
	TrackingRuleID = 1
	// ImageProxyFilter matches the mail provider's image proxy
	ImageProxyFilter = "*://*.googleusercontent.com/*"
)

// Rule actions
const (
	ActionBlock = "block"
	ActionAllow = "allow"
)

// Resource types
const (
	ResourceImage       = "image"
	ResourceScript      = "script"
	ResourceXMLHTTP     = "xmlhttprequest"
	ResourceMainFrame   = "main_frame"
	ResourceStylesheets = "stylesheet"
)

var (
	ErrDuplicateRuleID = errors.New("background: rule id already installed")
	ErrInvalidRule     = errors.New("background: invalid rule")
)

// Action is what happens to a matching request
type Action struct {
	Type string `json:"type" yaml:"type"`
}

// Condition selects the requests a rule applies to
type Condition struct {
	URLFilter     string   `json:"urlFilter" yaml:"urlFilter"`
	ResourceTypes []string `json:"resourceTypes" yaml:"resourceTypes"`
}

// Rule is a dynamic network request rule
type Rule struct {
	ID        int       `json:"id" yaml:"id"`
	Priority  int       `json:"priority" yaml:"priority"`
	Action    Action    `json:"action" yaml:"action"`
	Condition Condition `json:"condition" yaml:"condition"`
}

// Validate checks the rule is installable
func (r Rule) Validate() error {
	if r.ID < 1 {
		return fmt.Errorf("%w: id must be positive, got %d", ErrInvalidRule, r.ID)
	}
	if r.Priority < 1 {
		return fmt.Errorf("%w: rule %d: priority must be positive", ErrInvalidRule, r.ID)
	}
	switch r.Action.Type {
	case ActionBlock, ActionAllow:
	default:
		return fmt.Errorf("%w: rule %d: unknown action %q", ErrInvalidRule, r.ID, r.Action.Type)
	}
	if r.Condition.URLFilter == "" {
		return fmt.Errorf("%w: rule %d: empty url filter", ErrInvalidRule, r.ID)
	}
	return nil
}

// Matches reports whether a request for url of resourceType falls under the rule
func (r Rule) Matches(url, resourceType string) bool {
	if len(r.Condition.ResourceTypes) > 0 && !slices.Contains(r.Condition.ResourceTypes, resourceType) {
		return false
	}
	return urlFilterRegexp(r.Condition.URLFilter).MatchString(url)
}

// TrackingPixelRule blocks image fetches through the image proxy
func TrackingPixelRule() Rule {
	return Rule{
		ID:       TrackingRuleID,
		Priority: 1,
		Action:   Action{Type: ActionBlock},
		Condition: Condition{
			URLFilter:     ImageProxyFilter,
			ResourceTypes: []string{ResourceImage},
		},
	}
}

// RuleSet stores dynamic rules. UpdateDynamicRules removes removeIDs first and
// then adds add, atomically.
type RuleSet interface {
	UpdateDynamicRules(ctx context.Context, removeIDs []int, add []Rule) error
	DynamicRules(ctx context.Context) ([]Rule, error)
}

// Blocked evaluates rules in priority order and reports whether the highest
// priority matching rule blocks the request. Ties go to block.
func Blocked(rules []Rule, url, resourceType string) bool {
	var best *Rule
	for i := range rules {
		r := &rules[i]
		if !r.Matches(url, resourceType) {
			continue
		}
		if best == nil || r.Priority > best.Priority ||
			(r.Priority == best.Priority && r.Action.Type == ActionBlock) {
			best = r
		}
	}
	return best != nil && best.Action.Type == ActionBlock
}

// RuleInstaller installs the tracking pixel rule
type RuleInstaller struct {
	rules RuleSet
}

// NewRuleInstaller creates an installer writing to rules
func NewRuleInstaller(rules RuleSet) *RuleInstaller {
	return &RuleInstaller{rules: rules}
}

// Install replaces any rule with the tracking rule id by the tracking rule.
// Running it twice leaves exactly one rule.
func (i *RuleInstaller) Install(ctx context.Context) error {
	rule := TrackingPixelRule()
	if err := i.rules.UpdateDynamicRules(ctx, []int{rule.ID}, []Rule{rule}); err != nil {
		return fmt.Errorf("install rule %d: %w", rule.ID, err)
	}
	return nil
}

// MemoryRuleSet is an in-process RuleSet
type MemoryRuleSet struct {
	mu    sync.Mutex
	rules map[int]Rule
}

// NewMemoryRuleSet creates an empty rule set
func NewMemoryRuleSet() *MemoryRuleSet {
	return &MemoryRuleSet{rules: make(map[int]Rule)}
}

// UpdateDynamicRules implements RuleSet
func (m *MemoryRuleSet) UpdateDynamicRules(ctx context.Context, removeIDs []int, add []Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[int]Rule, len(m.rules)+len(add))
	for id, r := range m.rules {
		next[id] = r
	}
	for _, id := range removeIDs {
		delete(next, id)
	}
	for _, r := range add {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, exists := next[r.ID]; exists {
			return fmt.Errorf("%w: %d", ErrDuplicateRuleID, r.ID)
		}
		next[r.ID] = r
	}

	m.rules = next
	return nil
}

// DynamicRules implements RuleSet. Rules are ordered by id.
func (m *MemoryRuleSet) DynamicRules(ctx context.Context) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Rule) int { return a.ID - b.ID })
	return out, nil
}

var (
	filterMu    sync.Mutex
	filterCache = map[string]*regexp.Regexp{}
)

// urlFilterRegexp compiles a url filter. '*' matches any run of characters,
// '^' matches a separator or the end of the url, a leading '||' anchors to a
// domain, and '|' anchors the start or end.
func urlFilterRegexp(filter string) *regexp.Regexp {
	filterMu.Lock()
	defer filterMu.Unlock()

	if re, ok := filterCache[filter]; ok {
		return re
	}

	var b strings.Builder
	rest := filter
	switch {
	case strings.HasPrefix(rest, "||"):
		b.WriteString(`^[a-z][a-z0-9+.-]*://([^/?#]*\.)?`)
		rest = rest[2:]
	case strings.HasPrefix(rest, "|"):
		b.WriteString("^")
		rest = rest[1:]
	}

	endAnchor := strings.HasSuffix(rest, "|")
	if endAnchor {
		rest = rest[:len(rest)-1]
	}

	for _, r := range rest {
		switch r {
		case '*':
			b.WriteString(".*")
		case '^':
			b.WriteString(`([^a-zA-Z0-9_.%-]|$)`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if endAnchor {
		b.WriteString("$")
	}

	re := regexp.MustCompile("(?i)" + b.String())
	filterCache[filter] = re
	return re
}
