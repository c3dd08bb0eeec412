package sepolicy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// ParseOptions tunes identifier validation.
type ParseOptions struct {
	// StrictNames requires identifiers to start with a letter and contain
	// only letters, digits and underscores.
	StrictNames bool
}

var (
	looseName  = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	strictName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	xpermRange = regexp.MustCompile(`^(0x[0-9A-Fa-f]+)(-0x[0-9A-Fa-f]+)?$`)
	fsPath     = regexp.MustCompile(`^/[^\s{}]*$`)
	secContext = regexp.MustCompile(`^[A-Za-z0-9_]+:[A-Za-z0-9_]+:[A-Za-z0-9_]+(:[A-Za-z0-9_,.:\-]+)?$`)
)

// argKind describes what a positional argument may hold.
type argKind int

const (
	argRule     argKind = iota // name set or wildcard
	argSet                     // name set, no wildcard
	argName                    // single name
	argLiteral                 // exact keyword, e.g. "ioctl"
	argXperm                   // ioctl number or range
	argPath                    // absolute path
	argContext                 // security context
	argOptional                // trailing optional single name
)

type shape struct {
	args    []argKind
	literal string
	// minArgs allows trailing optional positions.
	minArgs int
}

var grammar = map[Keyword]shape{
	Allow:           {args: []argKind{argRule, argRule, argRule, argRule}},
	Deny:            {args: []argKind{argRule, argRule, argRule, argRule}},
	AuditAllow:      {args: []argKind{argRule, argRule, argRule, argRule}},
	DontAudit:       {args: []argKind{argRule, argRule, argRule, argRule}},
	AllowXperm:      {args: []argKind{argRule, argRule, argRule, argLiteral, argXperm}, literal: "ioctl"},
	AuditAllowXperm: {args: []argKind{argRule, argRule, argRule, argLiteral, argXperm}, literal: "ioctl"},
	DontAuditXperm:  {args: []argKind{argRule, argRule, argRule, argLiteral, argXperm}, literal: "ioctl"},
	Permissive:      {args: []argKind{argSet}},
	Enforce:         {args: []argKind{argSet}},
	Type:            {args: []argKind{argName, argSet}, minArgs: 1},
	TypeAttribute:   {args: []argKind{argSet, argSet}},
	Attribute:       {args: []argKind{argName}},
	TypeTransition:  {args: []argKind{argSet, argSet, argSet, argName, argOptional}, minArgs: 4},
	TypeChange:      {args: []argKind{argSet, argSet, argSet, argName}},
	TypeMember:      {args: []argKind{argSet, argSet, argSet, argName}},
	Genfscon:        {args: []argKind{argName, argPath, argContext}},
}

// source is one raw statement with its position in the input.
type source struct {
	line int
	text string
}

// splitStatements breaks text into statements on newlines and ';'. Blank
// statements and '#' comments are dropped.
func splitStatements(text string) []source {
	var out []source
	for i, line := range strings.Split(text, "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, source{line: i + 1, text: part})
		}
	}
	return out
}

// tokenize splits on whitespace and makes braces standalone tokens.
func tokenize(s string) []string {
	s = strings.NewReplacer("{", " { ", "}", " } ").Replace(s)
	return strings.Fields(s)
}

// Parse parses a single statement.
func Parse(text string, opts ParseOptions) (Statement, error) {
	return parseAt(source{line: 1, text: strings.TrimSpace(text)}, opts)
}

// ParsePatch parses every statement in text. It stops at the first
// malformed statement.
func ParsePatch(text string, opts ParseOptions) (Patch, error) {
	var patch Patch
	for _, src := range splitStatements(text) {
		st, err := parseAt(src, opts)
		if err != nil {
			return patch, err
		}
		patch = append(patch, st)
	}
	return patch, nil
}

func parseAt(src source, opts ParseOptions) (Statement, error) {
	fail := func(format string, args ...any) (Statement, error) {
		return Statement{}, ksuerr.Errorf(ksuerr.ParseError, "sepolicy.parse",
			fmt.Sprintf("line %d: %q", src.line, src.text), format, args...)
	}

	toks := tokenize(src.text)
	if len(toks) == 0 {
		return fail("empty statement")
	}
	kw := Keyword(toks[0])
	sh, ok := grammar[kw]
	if !ok {
		return fail("unknown keyword %q", toks[0])
	}

	nameRE := looseName
	if opts.StrictNames {
		nameRE = strictName
	}

	st := Statement{Keyword: kw, Line: src.line, Raw: src.text}
	rest := toks[1:]
	for pos, kind := range sh.args {
		if len(rest) == 0 {
			need := sh.minArgs
			if need == 0 {
				need = len(sh.args)
			}
			if pos >= need {
				break
			}
			return fail("%s expects %d arguments, got %d", kw, need, pos)
		}

		var set []string
		var err error
		set, rest, err = readSet(rest)
		if err != nil {
			return fail("%v", err)
		}

		switch kind {
		case argRule:
			if len(set) == 1 && set[0] == Wildcard {
				st.Args = append(st.Args, nil)
				continue
			}
		case argName, argOptional, argLiteral, argXperm, argPath, argContext:
			if len(set) != 1 {
				return fail("argument %d of %s must be a single value", pos+1, kw)
			}
		}

		for _, name := range set {
			switch kind {
			case argLiteral:
				if name != sh.literal {
					return fail("expected %q, got %q", sh.literal, name)
				}
			case argXperm:
				if !xpermRange.MatchString(name) {
					return fail("invalid ioctl range %q", name)
				}
			case argPath:
				if !fsPath.MatchString(name) {
					return fail("invalid path %q", name)
				}
			case argContext:
				if !secContext.MatchString(name) {
					return fail("invalid security context %q", name)
				}
			default:
				if name == Wildcard {
					return fail("wildcard not allowed in argument %d of %s", pos+1, kw)
				}
				if !nameRE.MatchString(name) {
					return fail("invalid name %q", name)
				}
			}
		}
		st.Args = append(st.Args, set)
	}
	if len(rest) > 0 {
		return fail("unexpected trailing tokens %q", strings.Join(rest, " "))
	}
	return st, nil
}

// readSet consumes either a single token or a brace-delimited set.
func readSet(toks []string) ([]string, []string, error) {
	if toks[0] == "}" {
		return nil, nil, fmt.Errorf("unexpected '}'")
	}
	if toks[0] != "{" {
		return []string{toks[0]}, toks[1:], nil
	}
	var set []string
	for i := 1; i < len(toks); i++ {
		switch toks[i] {
		case "}":
			if len(set) == 0 {
				return nil, nil, fmt.Errorf("empty set")
			}
			return dedupe(set), toks[i+1:], nil
		case "{":
			return nil, nil, fmt.Errorf("nested sets are not supported")
		}
		set = append(set, toks[i])
	}
	return nil, nil, fmt.Errorf("unterminated set")
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
