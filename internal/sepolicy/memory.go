package sepolicy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kernelsu/ksud/internal/kernel"
)

// avKey identifies one access vector entry. Empty fields are wildcards.
type avKey struct {
	source, target, class, perm string
}

type transKey struct {
	source, target, class, object string
}

// Policy is an in-memory model of the live policy. Like the kernel, it
// declares any type it has not seen before instead of rejecting the edit,
// and every edit is set-like so re-applying a statement changes nothing.
type Policy struct {
	mu sync.Mutex

	types       map[string]map[string]struct{} // type -> attributes
	attributes  map[string]struct{}
	permissive  map[string]struct{}
	allowed     map[avKey]struct{}
	auditallow  map[avKey]struct{}
	dontaudit   map[avKey]struct{}
	xperms      map[avKey]map[string]struct{}
	transitions map[transKey]string
	changes     map[transKey]string
	members     map[transKey]string
	genfs       map[string]string
}

// NewPolicy returns an empty policy.
func NewPolicy() *Policy {
	return &Policy{
		types:       make(map[string]map[string]struct{}),
		attributes:  make(map[string]struct{}),
		permissive:  make(map[string]struct{}),
		allowed:     make(map[avKey]struct{}),
		auditallow:  make(map[avKey]struct{}),
		dontaudit:   make(map[avKey]struct{}),
		xperms:      make(map[avKey]map[string]struct{}),
		transitions: make(map[transKey]string),
		changes:     make(map[transKey]string),
		members:     make(map[transKey]string),
		genfs:       make(map[string]string),
	}
}

func (p *Policy) declare(names ...string) {
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, isAttr := p.attributes[n]; isAttr {
			continue
		}
		if _, ok := p.types[n]; !ok {
			p.types[n] = make(map[string]struct{})
		}
	}
}

// SetSepolicy applies one atomic edit.
func (p *Policy) SetSepolicy(cmd kernel.PolicyCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := cmd.Args
	switch cmd.Cmd {
	case kernel.PolicyNormalPerm:
		p.declare(a[0], a[1])
		key := avKey{a[0], a[1], a[2], a[3]}
		switch cmd.Subcmd {
		case 1:
			p.allowed[key] = struct{}{}
		case 2:
			delete(p.allowed, key)
		case 3:
			p.auditallow[key] = struct{}{}
		case 4:
			p.dontaudit[key] = struct{}{}
		default:
			return fmt.Errorf("unknown av sub-command %d", cmd.Subcmd)
		}
	case kernel.PolicyXperm:
		p.declare(a[0], a[1])
		key := avKey{a[0], a[1], a[2], a[3]}
		if p.xperms[key] == nil {
			p.xperms[key] = make(map[string]struct{})
		}
		p.xperms[key][a[4]] = struct{}{}
	case kernel.PolicyTypeState:
		p.declare(a[0])
		switch cmd.Subcmd {
		case 1:
			p.permissive[a[0]] = struct{}{}
		case 2:
			delete(p.permissive, a[0])
		default:
			return fmt.Errorf("unknown type-state sub-command %d", cmd.Subcmd)
		}
	case kernel.PolicyType, kernel.PolicyTypeAttr:
		if _, isAttr := p.attributes[a[0]]; isAttr {
			return fmt.Errorf("%s is an attribute, not a type", a[0])
		}
		p.declare(a[0])
		if a[1] != "" {
			if _, isType := p.types[a[1]]; isType {
				return fmt.Errorf("%s is a type, not an attribute", a[1])
			}
			p.attributes[a[1]] = struct{}{}
			p.types[a[0]][a[1]] = struct{}{}
		}
	case kernel.PolicyAttr:
		if _, isType := p.types[a[0]]; isType {
			return fmt.Errorf("%s is already a type", a[0])
		}
		p.attributes[a[0]] = struct{}{}
	case kernel.PolicyTypeTransition:
		p.declare(a[0], a[1], a[3])
		p.transitions[transKey{a[0], a[1], a[2], a[4]}] = a[3]
	case kernel.PolicyTypeChange:
		p.declare(a[0], a[1], a[3])
		key := transKey{a[0], a[1], a[2], ""}
		if cmd.Subcmd == 2 {
			p.members[key] = a[3]
		} else {
			p.changes[key] = a[3]
		}
	case kernel.PolicyGenfscon:
		p.genfs[a[0]+":"+a[1]] = a[2]
	default:
		return fmt.Errorf("unknown policy command %d", cmd.Cmd)
	}
	return nil
}

// Allowed reports whether source may perform perm on target:class, taking
// wildcard entries into account.
func (p *Policy) Allowed(source, target, class, perm string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range []string{source, ""} {
		for _, t := range []string{target, ""} {
			for _, c := range []string{class, ""} {
				for _, pm := range []string{perm, ""} {
					if _, ok := p.allowed[avKey{s, t, c, pm}]; ok {
						return true
					}
				}
			}
		}
	}
	return false
}

// HasType reports whether name is a declared type.
func (p *Policy) HasType(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.types[name]
	return ok
}

// HasAttribute reports whether typ carries attr.
func (p *Policy) HasAttribute(typ, attr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.types[typ][attr]
	return ok
}

// IsPermissive reports whether domain is permissive.
func (p *Policy) IsPermissive(domain string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.permissive[domain]
	return ok
}

// Transition returns the default type for a type_transition, if any.
func (p *Policy) Transition(source, target, class, object string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transitions[transKey{source, target, class, object}]
	return t, ok
}

// Genfs returns the context labelled onto path of fs.
func (p *Policy) Genfs(fs, path string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.genfs[fs+":"+path]
	return c, ok
}

// RuleCount is the number of allow entries.
func (p *Policy) RuleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allowed)
}

// Types lists declared types in sorted order.
func (p *Policy) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.types))
	for t := range p.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
