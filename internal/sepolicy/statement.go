package sepolicy

import (
	"strings"

	"github.com/kernelsu/ksud/internal/kernel"
)

// Keyword is the leading token of a statement.
type Keyword string

const (
	Allow           Keyword = "allow"
	Deny            Keyword = "deny"
	AuditAllow      Keyword = "auditallow"
	DontAudit       Keyword = "dontaudit"
	AllowXperm      Keyword = "allowxperm"
	AuditAllowXperm Keyword = "auditallowxperm"
	DontAuditXperm  Keyword = "dontauditxperm"
	Permissive      Keyword = "permissive"
	Enforce         Keyword = "enforce"
	Type            Keyword = "type"
	TypeAttribute   Keyword = "typeattribute"
	Attribute       Keyword = "attribute"
	TypeTransition  Keyword = "type_transition"
	TypeChange      Keyword = "type_change"
	TypeMember      Keyword = "type_member"
	Genfscon        Keyword = "genfscon"
)

// Wildcard in a rule position matches every name.
const Wildcard = "*"

// Statement is one parsed policy edit. Args holds one name set per
// positional argument; a nil set is the wildcard.
type Statement struct {
	Keyword Keyword
	Args    [][]string
	Line    int
	Raw     string
}

// Patch is an ordered, immutable sequence of statements.
type Patch []Statement

func (s Statement) String() string {
	if s.Raw != "" {
		return s.Raw
	}
	var b strings.Builder
	b.WriteString(string(s.Keyword))
	for _, set := range s.Args {
		b.WriteByte(' ')
		switch len(set) {
		case 0:
			b.WriteString(Wildcard)
		case 1:
			b.WriteString(set[0])
		default:
			b.WriteString("{ ")
			b.WriteString(strings.Join(set, " "))
			b.WriteString(" }")
		}
	}
	return b.String()
}

// command returns the hook command family and sub-command of a keyword.
func (k Keyword) command() (uint32, uint32) {
	switch k {
	case Allow:
		return kernel.PolicyNormalPerm, 1
	case Deny:
		return kernel.PolicyNormalPerm, 2
	case AuditAllow:
		return kernel.PolicyNormalPerm, 3
	case DontAudit:
		return kernel.PolicyNormalPerm, 4
	case AllowXperm:
		return kernel.PolicyXperm, 1
	case AuditAllowXperm:
		return kernel.PolicyXperm, 2
	case DontAuditXperm:
		return kernel.PolicyXperm, 3
	case Permissive:
		return kernel.PolicyTypeState, 1
	case Enforce:
		return kernel.PolicyTypeState, 2
	case Type:
		return kernel.PolicyType, 0
	case TypeAttribute:
		return kernel.PolicyTypeAttr, 0
	case Attribute:
		return kernel.PolicyAttr, 0
	case TypeTransition:
		return kernel.PolicyTypeTransition, 0
	case TypeChange:
		return kernel.PolicyTypeChange, 1
	case TypeMember:
		return kernel.PolicyTypeChange, 2
	case Genfscon:
		return kernel.PolicyGenfscon, 0
	}
	return 0, 0
}

// Atoms expands the statement into hook commands, one per element of the
// cartesian product of its name sets.
func (s Statement) Atoms() []kernel.PolicyCommand {
	cmd, sub := s.Keyword.command()
	var atoms []kernel.PolicyCommand
	cur := make([]string, len(s.Args))
	var walk func(i int)
	walk = func(i int) {
		if i == len(s.Args) {
			pc := kernel.PolicyCommand{Cmd: cmd, Subcmd: sub}
			copy(pc.Args[:], cur)
			atoms = append(atoms, pc)
			return
		}
		if len(s.Args[i]) == 0 {
			cur[i] = ""
			walk(i + 1)
			return
		}
		for _, name := range s.Args[i] {
			cur[i] = name
			walk(i + 1)
		}
	}
	walk(0)
	return atoms
}
