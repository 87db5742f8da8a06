package main

import (
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sqlStatementPattern = regexp.MustCompile(`(?is)^\s*(?:select\b.*\bfrom\b|insert\s+into\b|update\s+\S+\s+set\b|delete\s+from\b|with\s+\w+\s+as\s*\(|(?:create|alter|drop)\s+(?:table|index|unique\s+index)\b)`)
	uuidMarkerPattern   = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

type violation struct {
	file    string
	name    string
	line    int
	message string
}

type markerSite struct {
	file string
	name string
	line int
}

// linter accumulates violations and marker sites across files so that
// duplicated markers can be reported once every file has been seen.
type linter struct {
	violations []violation
	markers    map[string][]markerSite
}

func newLinter() *linter {
	return &linter{markers: make(map[string][]markerSite)}
}

func (l *linter) lintFile(path string, src any) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return err
	}
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for _, value := range vs.Values {
			bl, ok := value.(*ast.BasicLit)
			if !ok || bl.Kind != token.STRING {
				continue
			}
			raw, err := unquote(bl.Value)
			if err != nil {
				continue
			}
			marker := firstLine(raw)
			hasMarker := strings.HasPrefix(marker, "--sql")
			if !hasMarker && !sqlStatementPattern.MatchString(raw) {
				continue
			}
			pos := fset.Position(bl.Pos())
			site := markerSite{file: path, name: joinNames(vs.Names), line: pos.Line}
			if !uuidMarkerPattern.MatchString(marker) {
				l.violations = append(l.violations, violation{
					file:    site.file,
					line:    site.line,
					name:    site.name,
					message: "missing or invalid --sql <uuid> marker",
				})
				continue
			}
			if strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), marker)) == "" {
				l.violations = append(l.violations, violation{
					file:    site.file,
					line:    site.line,
					name:    site.name,
					message: "marker without a statement",
				})
				continue
			}
			l.markers[marker] = append(l.markers[marker], site)
		}
		return true
	})
	return nil
}

// finish returns every violation, duplicated markers included, in a stable
// order.
func (l *linter) finish() []violation {
	out := append([]violation(nil), l.violations...)
	for marker, sites := range l.markers {
		if len(sites) < 2 {
			continue
		}
		for _, s := range sites[1:] {
			out = append(out, violation{
				file:    s.file,
				line:    s.line,
				name:    s.name,
				message: "duplicate marker " + strings.TrimPrefix(marker, "--sql ") + " (first used by " + sites[0].name + ")",
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].file != out[j].file {
			return out[i].file < out[j].file
		}
		return out[i].line < out[j].line
	})
	return out
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) == 0 {
		return v, nil
	}
	if v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}

func joinNames(idents []*ast.Ident) string {
	parts := make([]string, 0, len(idents))
	for _, ident := range idents {
		if ident == nil {
			continue
		}
		parts = append(parts, ident.Name)
	}
	return strings.Join(parts, ",")
}
