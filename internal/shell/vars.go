package shell

import (
	"bytes"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// Variable is a snapshot of one shell variable.
type Variable struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Value    string `json:"value"`
	Length   int    `json:"length"`
	Exported bool   `json:"exported"`
	ReadOnly bool   `json:"read_only"`
}

var builtins = []string{
	":", ".", "[", "alias", "bg", "break", "builtin", "cd", "command",
	"continue", "dirs", "echo", "eval", "exec", "exit", "false", "fg",
	"getopts", "mapfile", "popd", "printf", "pushd", "pwd", "read",
	"readarray", "return", "set", "shift", "shopt", "source", "test",
	"trap", "true", "type", "umask", "unalias", "unset", "wait",
	showMessageCommand,
}

// Variables returns the variables defined since start, sorted by name.
// Variables inherited unchanged from the process environment are left out
// unless all is set. The caller must hold the arbiter.
func (s *Shell) Variables(all bool) []Variable {
	var vars []Variable
	for name, vr := range s.runner.Vars {
		if !vr.IsSet() {
			continue
		}
		if !all && vr.Kind == expand.String {
			if v, ok := s.initialEnv[name]; ok && v == vr.Str {
				continue
			}
		}
		vars = append(vars, snapshot(name, vr))
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}

// Lookup returns one variable. The caller must hold the arbiter.
func (s *Shell) Lookup(name string) (Variable, bool) {
	vr, ok := s.runner.Vars[name]
	if !ok || !vr.IsSet() {
		return Variable{}, false
	}
	return snapshot(name, vr), true
}

// Functions returns the names of defined functions, sorted. The caller must
// hold the arbiter.
func (s *Shell) Functions() []string {
	names := make([]string, 0, len(s.runner.Funcs))
	for name := range s.runner.Funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FunctionSource returns the formatted body of a function. The caller must
// hold the arbiter.
func (s *Shell) FunctionSource(name string) (string, bool) {
	body, ok := s.runner.Funcs[name]
	if !ok {
		return "", false
	}
	var buf bytes.Buffer
	buf.WriteString(name + "() ")
	if err := syntax.NewPrinter(syntax.Indent(4)).Print(&buf, body); err != nil {
		return "", false
	}
	return buf.String(), true
}

// Complete returns the completions of the word ending at cursor, along with
// the byte range it covers. Words starting with $ complete variable names,
// other words complete functions and builtins. The caller must hold the
// arbiter.
func (s *Shell) Complete(code string, cursor int) (matches []string, start, end int) {
	if cursor < 0 || cursor > len(code) {
		cursor = len(code)
	}
	start = cursor
	for start > 0 && isWordByte(code[start-1]) {
		start--
	}
	word := code[start:cursor]

	seen := map[string]bool{}
	add := func(candidate string) {
		if strings.HasPrefix(candidate, word) && !seen[candidate] {
			seen[candidate] = true
			matches = append(matches, candidate)
		}
	}

	switch {
	case strings.HasPrefix(word, "${"):
		for name, vr := range s.runner.Vars {
			if vr.IsSet() {
				add("${" + name + "}")
			}
		}
	case strings.HasPrefix(word, "$"):
		for name, vr := range s.runner.Vars {
			if vr.IsSet() {
				add("$" + name)
			}
		}
	default:
		for _, name := range s.Functions() {
			add(name)
		}
		for _, name := range builtins {
			add(name)
		}
	}
	sort.Strings(matches)
	return matches, start, cursor
}

// WordAt returns the name under cursor, without a leading $.
func WordAt(code string, cursor int) string {
	if cursor < 0 || cursor > len(code) {
		cursor = len(code)
	}
	start, end := cursor, cursor
	for start > 0 && isWordByte(code[start-1]) {
		start--
	}
	for end < len(code) && isWordByte(code[end]) {
		end++
	}
	return strings.Trim(code[start:end], "${}")
}

func isWordByte(b byte) bool {
	return b == '_' || b == '$' || b == '{' || b == '}' ||
		('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

func snapshot(name string, vr expand.Variable) Variable {
	v := Variable{
		Name:     name,
		Exported: vr.Exported,
		ReadOnly: vr.ReadOnly,
	}
	switch vr.Kind {
	case expand.Indexed:
		v.Kind = "array"
		v.Value = "(" + strings.Join(vr.List, " ") + ")"
		v.Length = len(vr.List)
	case expand.Associative:
		v.Kind = "map"
		keys := make([]string, 0, len(vr.Map))
		for k := range vr.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, "["+k+"]="+vr.Map[k])
		}
		v.Value = "(" + strings.Join(parts, " ") + ")"
		v.Length = len(vr.Map)
	case expand.NameRef:
		v.Kind = "nameref"
		v.Value = vr.Str
		v.Length = len(vr.Str)
	default:
		v.Kind = "string"
		v.Value = vr.Str
		v.Length = len(vr.Str)
	}
	return v
}
