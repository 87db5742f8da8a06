package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// CharacterSkeleton is the structured attribute form of a character.
type CharacterSkeleton struct {
	Gender      string   `json:"gender,omitempty"`
	Age         string   `json:"age,omitempty"`
	Ethnicity   string   `json:"ethnicity,omitempty"`
	Build       string   `json:"build,omitempty"`
	Face        string   `json:"face,omitempty"`
	Hair        string   `json:"hair,omitempty"`
	Outfit      string   `json:"outfit,omitempty"`
	Distinctive []string `json:"distinguishing_features,omitempty"`
}

// CharacterEntry is either free text or a skeleton. Use FreeText or
// Skeleton to construct one; the zero value renders as an empty string.
type CharacterEntry struct {
	text     string
	skeleton *CharacterSkeleton
}

// FreeText wraps a legacy free-text description.
func FreeText(desc string) CharacterEntry {
	return CharacterEntry{text: strings.TrimSpace(desc)}
}

// Skeleton wraps a structured description.
func Skeleton(s CharacterSkeleton) CharacterEntry {
	return CharacterEntry{skeleton: &s}
}

// IsSkeleton reports which variant the entry holds.
func (c CharacterEntry) IsSkeleton() bool { return c.skeleton != nil }

// SkeletonValue returns the skeleton variant, if any.
func (c CharacterEntry) SkeletonValue() (CharacterSkeleton, bool) {
	if c.skeleton == nil {
		return CharacterSkeleton{}, false
	}
	return *c.skeleton, true
}

// Render converts either variant into the prompt-ready description that
// later batches must repeat verbatim.
func (c CharacterEntry) Render() string {
	if c.skeleton == nil {
		return c.text
	}
	s := c.skeleton
	var parts []string
	add := func(label, v string) {
		v = strings.TrimSpace(v)
		if v != "" {
			parts = append(parts, label+": "+v)
		}
	}
	add("gender", s.Gender)
	add("age", s.Age)
	add("ethnicity", s.Ethnicity)
	add("build", s.Build)
	add("face", s.Face)
	add("hair", s.Hair)
	add("outfit", s.Outfit)
	if len(s.Distinctive) > 0 {
		add("distinguishing features", strings.Join(s.Distinctive, ", "))
	}
	return strings.Join(parts, "; ")
}

func (c CharacterEntry) MarshalJSON() ([]byte, error) {
	if c.skeleton != nil {
		return json.Marshal(c.skeleton)
	}
	return json.Marshal(c.text)
}

func (c *CharacterEntry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = CharacterEntry{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = FreeText(s)
		return nil
	case '{':
		var sk CharacterSkeleton
		if err := json.Unmarshal(trimmed, &sk); err != nil {
			return err
		}
		*c = Skeleton(sk)
		return nil
	}
	return errors.New("character entry must be a string or an object")
}

// CharacterRegistry maps a character name to its established description.
type CharacterRegistry map[string]CharacterEntry

// Merge copies every entry of other into r; later writers win per name.
func (r CharacterRegistry) Merge(other CharacterRegistry) CharacterRegistry {
	if r == nil {
		r = CharacterRegistry{}
	}
	for name, entry := range other {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		r[name] = entry
	}
	return r
}

// Names returns the registry keys in a stable order.
func (r CharacterRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a shallow copy safe for independent mutation.
func (r CharacterRegistry) Clone() CharacterRegistry {
	out := make(CharacterRegistry, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
