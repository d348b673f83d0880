// Package outpath expands the capture output filename pattern (spec.md
// §6.4): brace tokens are substituted from the session context, unknown
// tokens pass through unchanged, and the result is joined under the base
// directory with duplicate slashes collapsed.
package outpath

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Context carries the per-session values tokens are expanded from.
type Context struct {
	Iface    string
	ProcName string // defaults to "any" when empty
	Port     int    // 0 means "any"
	Category string
	Seq      int
	At       time.Time
}

var tokenRe = regexp.MustCompile(`\{[^{}]*\}`)

// Expand renders pattern against ctx and joins the result under baseDir.
func Expand(baseDir, pattern string, ctx Context) string {
	proc := ctx.ProcName
	if proc == "" {
		proc = "any"
	}
	portStr := "any"
	if ctx.Port != 0 {
		portStr = fmt.Sprintf("%d", ctx.Port)
	}

	hasPortToken := strings.Contains(pattern, "{port}")

	expanded := tokenRe.ReplaceAllStringFunc(pattern, func(tok string) string {
		switch tok {
		case "{day}":
			return ctx.At.Format("20060102")
		case "{date}":
			return ctx.At.Format("200601021504")
		case "{ts}":
			return fmt.Sprintf("%d", ctx.At.Unix())
		case "{iface}":
			return ctx.Iface
		case "{proc}":
			return proc
		case "{port}":
			return portStr
		case "{seq}":
			return fmt.Sprintf("%04d", ctx.Seq)
		case "{category}":
			return ctx.Category
		default:
			return tok
		}
	})

	if ctx.Port != 0 && !hasPortToken {
		expanded = insertPortSuffix(expanded, ctx.Port)
	}

	expanded = collapseSlashes(expanded)
	return path.Join(baseDir, expanded)
}

// insertPortSuffix inserts "-p<port>" before the last "." in name, matching
// spec.md §6.4: "when the session has a nonzero port but the pattern lacks
// this token, -p<port> is inserted before the last '.'".
func insertPortSuffix(name string, port int) string {
	idx := strings.LastIndex(name, ".")
	suffix := fmt.Sprintf("-p%d", port)
	if idx < 0 {
		return name + suffix
	}
	return name[:idx] + suffix + name[idx:]
}

func collapseSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}
