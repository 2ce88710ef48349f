package util

import (
	"strings"
	"text/template"
)

var templateFuncs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
	"indent": func(n int, s string) string {
		pad := strings.Repeat(" ", n)
		return pad + strings.ReplaceAll(s, "\n", "\n"+pad)
	},
}

// MustParseTemplate parses a package level prompt template. Missing keys
// render as zero values and nothing is HTML escaped.
func MustParseTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(templateFuncs).Option("missingkey=zero").Parse(text))
}
