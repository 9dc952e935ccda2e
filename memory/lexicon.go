package memory

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexiconYAML []byte

// lexiconFile is the on-disk shape of a lexicon.
type lexiconFile struct {
	Explicit        []string            `yaml:"explicit"`
	Personal        []string            `yaml:"personal"`
	Engagement      []string            `yaml:"engagement"`
	PersonalTopics  []string            `yaml:"personalTopics"`
	Topics          map[string][]string `yaml:"topics"`
	SelfReference   []string            `yaml:"selfReference"`
	BusinessContext []string            `yaml:"businessContext"`
	VoiceShift      []string            `yaml:"voiceShift"`
}

// Lexicon holds the compiled hint lists used for trigger detection,
// validation and personal classification. A Lexicon is immutable once built.
type Lexicon struct {
	explicit        []*regexp.Regexp
	selfReference   []*regexp.Regexp
	voiceShift      []*regexp.Regexp
	personal        []*regexp.Regexp
	engagement      []*regexp.Regexp
	businessContext []*regexp.Regexp
	personalTopics  map[string]struct{}
	topicNames      []string
	topicKeywords   map[string][]*regexp.Regexp
}

// ParseLexicon parses and compiles a YAML lexicon.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var f lexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon: %w", err)
	}

	lex := &Lexicon{
		personalTopics: make(map[string]struct{}, len(f.PersonalTopics)),
		topicKeywords:  make(map[string][]*regexp.Regexp, len(f.Topics)),
	}

	var err error
	if lex.explicit, err = compilePatterns("explicit", f.Explicit); err != nil {
		return nil, err
	}
	if lex.selfReference, err = compilePatterns("selfReference", f.SelfReference); err != nil {
		return nil, err
	}
	if lex.voiceShift, err = compilePatterns("voiceShift", f.VoiceShift); err != nil {
		return nil, err
	}
	lex.personal = compilePhrases(f.Personal)
	lex.engagement = compilePhrases(f.Engagement)
	lex.businessContext = compilePhrases(f.BusinessContext)

	for _, t := range f.PersonalTopics {
		lex.personalTopics[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	for topic, words := range f.Topics {
		name := strings.ToLower(strings.TrimSpace(topic))
		lex.topicNames = append(lex.topicNames, name)
		lex.topicKeywords[name] = compilePhrases(words)
	}
	sort.Strings(lex.topicNames)

	return lex, nil
}

// LoadLexicon reads a lexicon from a YAML file.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon %s: %w", path, err)
	}
	return ParseLexicon(data)
}

// DefaultLexicon returns the embedded lexicon.
func DefaultLexicon() *Lexicon {
	lex, err := ParseLexicon(defaultLexiconYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded lexicon is invalid: %v", err))
	}
	return lex
}

func compilePatterns(list string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", list, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// compilePhrases turns plain phrases into word-bounded matchers.
func compilePhrases(phrases []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, regexp.MustCompile(`\b`+regexp.QuoteMeta(p)+`\b`))
	}
	return out
}

func matchAny(res []*regexp.Regexp, text string) bool {
	text = strings.ToLower(text)
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// IsExplicitRequest reports whether text asks the assistant to remember something.
func (l *Lexicon) IsExplicitRequest(text string) bool { return matchAny(l.explicit, text) }

// HasPersonalHint reports a first-person interest or goal statement.
func (l *Lexicon) HasPersonalHint(text string) bool { return matchAny(l.personal, text) }

// HasEngagementHint reports an enthusiasm or follow-up signal.
func (l *Lexicon) HasEngagementHint(text string) bool { return matchAny(l.engagement, text) }

// IsSelfReferential reports text about the assistant itself.
func (l *Lexicon) IsSelfReferential(text string) bool { return matchAny(l.selfReference, text) }

// HasBusinessContext reports text describing how the user uses the assistant.
func (l *Lexicon) HasBusinessContext(text string) bool { return matchAny(l.businessContext, text) }

// IsVoiceShifted reports first/second-person drift in a third-person memory.
func (l *Lexicon) IsVoiceShifted(text string) bool { return matchAny(l.voiceShift, text) }

// IsPersonalTopic reports whether topic is one of the personal topics.
func (l *Lexicon) IsPersonalTopic(topic string) bool {
	_, ok := l.personalTopics[strings.ToLower(strings.TrimSpace(topic))]
	return ok
}

// DetectTopic returns the first topic (alphabetically) with a keyword in
// text, or "".
func (l *Lexicon) DetectTopic(text string) string {
	lower := strings.ToLower(text)
	for _, name := range l.topicNames {
		if matchAny(l.topicKeywords[name], lower) {
			return name
		}
	}
	return ""
}

// LexiconSource yields the current lexicon.
type LexiconSource interface {
	Lexicon() *Lexicon
}

// StaticLexicon returns a LexiconSource that never changes.
func StaticLexicon(l *Lexicon) LexiconSource {
	return staticLexicon{lex: l}
}

type staticLexicon struct{ lex *Lexicon }

func (s staticLexicon) Lexicon() *Lexicon { return s.lex }

// lexiconHolder is an atomically swappable LexiconSource.
type lexiconHolder struct {
	current atomic.Pointer[Lexicon]
}

func (h *lexiconHolder) Lexicon() *Lexicon { return h.current.Load() }
