// Package continuity builds the context bundle that carries characters and
// scene history from earlier batches into the next generation request.
package continuity

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"scenejobs/internal/domain"
)

const (
	fullHistoryLimit   = 5
	defaultRecentCount = 3
	maxSummaryItems    = 12
)

// gerunds that describe things rather than actions.
var actionStoplist = map[string]struct{}{
	"anything": {}, "everything": {}, "nothing": {}, "something": {},
	"morning": {}, "evening": {}, "during": {}, "building": {}, "ceiling": {},
	"clothing": {}, "wedding": {}, "painting": {}, "lighting": {}, "setting": {},
	"being": {}, "thing": {}, "king": {}, "ring": {}, "spring": {}, "string": {},
	"wing": {}, "ending": {}, "opening": {}, "beginning": {}, "following": {},
	"including": {}, "surrounding": {}, "interesting": {}, "stunning": {},
	"amazing": {}, "glowing": {}, "matching": {}, "missing": {},
}

type memo struct {
	scenes      int
	characters  int
	fingerprint uint64
	text        string
}

// Builder memoizes one context per job. It is safe for concurrent use;
// entries are never shared between job ids.
type Builder struct {
	mu          sync.Mutex
	entries     map[string]memo
	recentCount int
	lower       cases.Caser
}

// NewBuilder returns a Builder showing recent scenes in full detail once the
// history is summarized. recent <= 0 selects the default.
func NewBuilder(recent int) *Builder {
	if recent <= 0 {
		recent = defaultRecentCount
	}
	return &Builder{
		entries:     make(map[string]memo),
		recentCount: recent,
		lower:       cases.Lower(language.Und),
	}
}

// Build returns the continuity context for jobID. A call with the same
// scene count, character count and content fingerprint as the previous call
// returns the cached text.
func (b *Builder) Build(jobID string, scenes []domain.Scene, chars domain.CharacterRegistry) string {
	fp := fingerprint(scenes, chars)
	b.mu.Lock()
	if m, ok := b.entries[jobID]; ok && m.scenes == len(scenes) && m.characters == len(chars) && m.fingerprint == fp {
		b.mu.Unlock()
		return m.text
	}
	b.mu.Unlock()

	text := b.render(scenes, chars)

	b.mu.Lock()
	b.entries[jobID] = memo{scenes: len(scenes), characters: len(chars), fingerprint: fp, text: text}
	b.mu.Unlock()
	return text
}

// Invalidate drops the memo for jobID. Call it when a job is closed.
func (b *Builder) Invalidate(jobID string) {
	b.mu.Lock()
	delete(b.entries, jobID)
	b.mu.Unlock()
}

// Len is the number of jobs with a memoized context.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Builder) render(scenes []domain.Scene, chars domain.CharacterRegistry) string {
	if len(scenes) == 0 && len(chars) == 0 {
		return ""
	}
	var sb strings.Builder
	if len(chars) > 0 {
		sb.WriteString("ESTABLISHED CHARACTERS (reuse each description exactly as written):\n")
		for _, name := range chars.Names() {
			fmt.Fprintf(&sb, "- %s: %s\n", name, chars[name].Render())
		}
	}
	if len(scenes) == 0 {
		return strings.TrimRight(sb.String(), "\n")
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	if len(scenes) <= fullHistoryLimit {
		sb.WriteString("PREVIOUS SCENES:\n")
		for _, s := range scenes {
			writeScene(&sb, s)
		}
		return strings.TrimRight(sb.String(), "\n")
	}

	fmt.Fprintf(&sb, "STORY SO FAR: %d scenes generated.\n", len(scenes))
	if locations := distinctLocations(scenes); len(locations) > 0 {
		fmt.Fprintf(&sb, "Locations already covered: %s\n", strings.Join(locations, ", "))
	}
	if actions := b.recurringActions(scenes); len(actions) > 0 {
		fmt.Fprintf(&sb, "Actions already shown: %s\n", strings.Join(actions, ", "))
	}
	recent := scenes
	if len(recent) > b.recentCount {
		recent = recent[len(recent)-b.recentCount:]
	}
	sb.WriteString("\nMOST RECENT SCENES:\n")
	for _, s := range recent {
		writeScene(&sb, s)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeScene(sb *strings.Builder, s domain.Scene) {
	fmt.Fprintf(sb, "Scene %d: %s", s.Number, strings.TrimSpace(s.Description))
	var details []string
	if s.Visual.Location != "" {
		details = append(details, "location: "+s.Visual.Location)
	}
	if s.Visual.Shot != "" {
		details = append(details, "shot: "+s.Visual.Shot)
	}
	if len(s.Characters) > 0 {
		details = append(details, "characters: "+strings.Join(s.Characters, ", "))
	}
	if len(details) > 0 {
		sb.WriteString(" (" + strings.Join(details, "; ") + ")")
	}
	sb.WriteString("\n")
}

func distinctLocations(scenes []domain.Scene) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range scenes {
		loc := strings.TrimSpace(s.Visual.Location)
		key := strings.ToLower(loc)
		if loc == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, loc)
		if len(out) == maxSummaryItems {
			break
		}
	}
	return out
}

// recurringActions extracts gerund-form words from the scene descriptions in
// first-seen order.
func (b *Builder) recurringActions(scenes []domain.Scene) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range scenes {
		words := strings.FieldsFunc(b.lower.String(s.Description), func(r rune) bool {
			return !unicode.IsLetter(r)
		})
		for _, w := range words {
			if len(w) < 5 || !strings.HasSuffix(w, "ing") {
				continue
			}
			if _, stop := actionStoplist[w]; stop {
				continue
			}
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			out = append(out, w)
			if len(out) == maxSummaryItems {
				return out
			}
		}
	}
	return out
}

// fingerprint hashes the newest scene and every character description. Scenes
// are append-only, so the newest one plus the count identifies the history.
func fingerprint(scenes []domain.Scene, chars domain.CharacterRegistry) uint64 {
	h := fnv.New64a()
	if n := len(scenes); n > 0 {
		last := scenes[n-1]
		fmt.Fprintf(h, "%d|%s|%s|", last.Number, last.Description, last.Visual.Location)
	}
	for _, name := range chars.Names() {
		fmt.Fprintf(h, "%s=%s|", name, chars[name].Render())
	}
	return h.Sum64()
}
