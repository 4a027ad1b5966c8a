package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one validation failure of the configuration file.
type CueErrorDetail struct {
	Path    string // quickfix.timeout
	Code    string // missing_required | unknown_field | invalid_value | validation_error
	Message string
	Pos     CueErrorPosition
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

var cueCodes = []struct {
	re     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "field %s is required"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|invalid value|out of bound`), "invalid_value", "field %s has an invalid value"},
}

// CueErrDetails converts an error returned by LoadConfig into details
// suitable for logging, one per path and position. Errors which are not CUE
// errors produce a single validation_error entry.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorDetail]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		d := detail(e, position(e))
		key := CueErrorDetail{Path: d.Path, Pos: d.Pos}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	if len(out) == 0 {
		return []CueErrorDetail{{Code: "validation_error", Message: err.Error()}}
	}
	return out
}

func detail(e cueerrors.Error, pos CueErrorPosition) CueErrorDetail {
	p := e.Path()
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	path := strings.Join(p, ".")
	raw, args := e.Msg()
	d := CueErrorDetail{
		Path:    path,
		Code:    "validation_error",
		Message: fmt.Sprintf(raw, args...),
		Pos:     pos,
	}
	for _, c := range cueCodes {
		if !c.re.MatchString(raw) {
			continue
		}
		d.Code = c.code
		d.Message = fmt.Sprintf(c.format, path)
		break
	}
	if d.Code == "invalid_value" {
		if def, ok := schema.LookupPath(cue.ParsePath(path)).Default(); ok {
			d.Message += fmt.Sprintf(" (default %v)", def)
		}
	}
	return d
}

// position prefers a position in the configuration file over one in the
// embedded schema.
func position(err cueerrors.Error) CueErrorPosition {
	var ret CueErrorPosition
	for _, r := range cueerrors.Positions(err) {
		pos := CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
		if pos.Filename != "" {
			return pos
		}
		if ret == (CueErrorPosition{}) {
			ret = pos
		}
	}
	return ret
}
