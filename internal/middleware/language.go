package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type languageContextKey struct{}

// LanguageKey holds the negotiated narration language in the request context.
var LanguageKey = languageContextKey{}

// CountryResolver maps a client address to an ISO country code.
type CountryResolver interface {
	CountryCode(addr string) (string, error)
}

// Language negotiates the narration language a job falls back to when its
// audio settings name none. X-Language wins over Accept-Language; anything
// outside supported resolves to the first supported tag.
func Language(supported []string) func(http.Handler) http.Handler {
	return LanguageWithRegion(supported, nil)
}

// LanguageWithRegion is Language with a regional fallback: requests that
// send no language preference are matched on the likely language of the
// client's country.
func LanguageWithRegion(supported []string, countries CountryResolver) func(http.Handler) http.Handler {
	tags := make([]language.Tag, 0, len(supported))
	for _, s := range supported {
		if tag, err := language.Parse(strings.TrimSpace(s)); err == nil {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		tags = append(tags, language.English)
	}
	matcher := language.NewMatcher(tags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := negotiate(matcher, tags, countries, r)
			ctx := context.WithValue(r.Context(), LanguageKey, lang)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func negotiate(matcher language.Matcher, tags []language.Tag, countries CountryResolver, r *http.Request) string {
	var prefs []language.Tag
	if v := strings.TrimSpace(r.Header.Get("X-Language")); v != "" {
		if tag, err := language.Parse(v); err == nil {
			prefs = append(prefs, tag)
		}
	}
	if accept := r.Header.Get("Accept-Language"); accept != "" {
		if parsed, _, err := language.ParseAcceptLanguage(accept); err == nil {
			prefs = append(prefs, parsed...)
		}
	}
	if len(prefs) == 0 && countries != nil {
		if tag, ok := regionTag(countries, r.RemoteAddr); ok {
			prefs = append(prefs, tag)
		}
	}
	if len(prefs) == 0 {
		return baseName(tags[0])
	}
	_, idx, conf := matcher.Match(prefs...)
	if conf == language.No {
		return baseName(tags[0])
	}
	return baseName(tags[idx])
}

func regionTag(countries CountryResolver, addr string) (language.Tag, bool) {
	code, err := countries.CountryCode(addr)
	if err != nil || code == "" {
		return language.Und, false
	}
	region, err := language.ParseRegion(code)
	if err != nil {
		return language.Und, false
	}
	tag, err := language.Compose(region)
	if err != nil {
		return language.Und, false
	}
	return tag, true
}

func baseName(tag language.Tag) string {
	base, _ := tag.Base()
	return base.String()
}

// LanguageFromContext returns the negotiated language, or "en" outside the
// middleware.
func LanguageFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LanguageKey).(string); ok && v != "" {
		return v
	}
	return "en"
}
