package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// PolicyEngine validates and live-applies policy text. *sepolicy.Engine
// satisfies it.
type PolicyEngine interface {
	Check(text string) error
	ApplyText(text string) (int, error)
}

// Authorizer decides whether a caller may rewrite profiles and templates.
// *trust.Authorizer satisfies it.
type Authorizer interface {
	AuthorizeCaller(uid int) error
}

var (
	packageName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)
	templateID  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("package_name", func(fl validator.FieldLevel) bool {
		return packageName.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("template_id", func(fl validator.FieldLevel) bool {
		return templateID.MatchString(fl.Field().String())
	})
}

func checkStruct(op, subject string, v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return ksuerr.Errorf(ksuerr.ParseError, op, subject, "invalid %s (%s)", strings.ToLower(fe.Field()), fe.Tag())
		}
		return ksuerr.New(ksuerr.ParseError, op, subject, err)
	}
	return nil
}

// Resolved is a profile with its template looked up.
type Resolved struct {
	Package  string `json:"package"`
	Domain   string `json:"domain"`
	Policy   string `json:"policy,omitempty"`
	Template string `json:"template,omitempty"`
	// TemplateMissing is set when the referenced template was deleted;
	// Domain then holds the default domain and Policy is empty.
	TemplateMissing bool `json:"template_missing,omitempty"`
}

// Failure is one profile that could not be applied.
type Failure struct {
	Package string `json:"package"`
	Error   string `json:"error"`
}

// ApplyReport summarizes ApplyAll.
type ApplyReport struct {
	Profiles   int       `json:"profiles"`
	Statements int       `json:"statements"`
	Fallbacks  []string  `json:"fallbacks,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Service is the management surface over Store.
type Service struct {
	store         *Store
	engine        PolicyEngine
	auth          Authorizer
	defaultDomain string
	logger        *slog.Logger
}

// NewService wires a Store to the policy engine. auth may be nil, in which
// case every write is refused.
func NewService(store *Store, engine PolicyEngine, auth Authorizer, defaultDomain string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: store, engine: engine, auth: auth, defaultDomain: defaultDomain, logger: logger}
}

func (s *Service) authorize(op string, uid int) error {
	if s.auth == nil {
		return ksuerr.Errorf(ksuerr.PermissionDenied, op, fmt.Sprint(uid), "no authorizer configured")
	}
	return s.auth.AuthorizeCaller(uid)
}

// Resolve returns the effective domain and policy of pkg.
func (s *Service) Resolve(ctx context.Context, pkg string) (Resolved, error) {
	p, err := s.store.GetProfile(ctx, pkg)
	if err != nil {
		return Resolved{}, err
	}
	return s.resolve(ctx, p)
}

func (s *Service) resolve(ctx context.Context, p Profile) (Resolved, error) {
	r := Resolved{Package: p.Package, Domain: p.Domain, Policy: p.Policy, Template: p.Template}
	if r.Domain == "" {
		r.Domain = s.defaultDomain
	}
	if p.Template == "" {
		return r, nil
	}
	t, err := s.store.GetTemplate(ctx, p.Template)
	switch {
	case ksuerr.Is(err, ksuerr.NotFound):
		r.TemplateMissing = true
		r.Domain = s.defaultDomain
		r.Policy = ""
	case err != nil:
		return Resolved{}, err
	default:
		r.Policy = t.Policy
	}
	return r, nil
}

// SetSepolicy stores a profile for uid's request and applies it to the
// live policy. Policy and Template are mutually exclusive; a referenced
// template must exist at the time of the call. The returned count is the
// number of statements applied.
func (s *Service) SetSepolicy(ctx context.Context, uid int, p Profile) (int, error) {
	const op = "profile.set_sepolicy"
	if err := s.authorize(op, uid); err != nil {
		return 0, err
	}
	p.Policy = strings.TrimSpace(p.Policy)
	if err := checkStruct(op, p.Package, p); err != nil {
		return 0, err
	}
	if p.Policy != "" && p.Template != "" {
		return 0, ksuerr.Errorf(ksuerr.ParseError, op, p.Package, "policy and template are mutually exclusive")
	}
	if p.Policy != "" {
		if err := s.engine.Check(p.Policy); err != nil {
			return 0, err
		}
	}
	if p.Template != "" {
		if _, err := s.store.GetTemplate(ctx, p.Template); err != nil {
			return 0, err
		}
	}
	if p.Domain == "" {
		if prev, err := s.store.GetProfile(ctx, p.Package); err == nil {
			p.Domain = prev.Domain
		}
	}
	p.UpdatedAt = timeNow()
	if err := s.store.PutProfile(ctx, p); err != nil {
		return 0, err
	}

	r, err := s.resolve(ctx, p)
	if err != nil {
		return 0, err
	}
	if r.Policy == "" {
		return 0, nil
	}
	n, err := s.engine.ApplyText(r.Policy)
	if err != nil {
		return n, fmt.Errorf("profile %s stored but not fully applied: %w", p.Package, err)
	}
	s.logger.Info("profile applied", "profile", p.Package, "statements", n)
	return n, nil
}

func (s *Service) DeleteProfile(ctx context.Context, uid int, pkg string) error {
	if err := s.authorize("profile.delete", uid); err != nil {
		return err
	}
	return s.store.DeleteProfile(ctx, pkg)
}

func (s *Service) ListProfiles(ctx context.Context) ([]Profile, error) {
	return s.store.ListProfiles(ctx)
}

func (s *Service) GetTemplate(ctx context.Context, id string) (Template, error) {
	return s.store.GetTemplate(ctx, id)
}

// SetTemplate validates and stores a template. Profiles that use it pick
// up the new text the next time they are applied.
func (s *Service) SetTemplate(ctx context.Context, uid int, id, policy string) error {
	const op = "template.set"
	if err := s.authorize(op, uid); err != nil {
		return err
	}
	t := Template{ID: id, Policy: strings.TrimSpace(policy), UpdatedAt: timeNow()}
	if err := checkStruct(op, id, t); err != nil {
		return err
	}
	if err := s.engine.Check(t.Policy); err != nil {
		return err
	}
	return s.store.PutTemplate(ctx, t)
}

// DeleteTemplate removes a template even when profiles still use it.
func (s *Service) DeleteTemplate(ctx context.Context, uid int, id string) error {
	if err := s.authorize("template.delete", uid); err != nil {
		return err
	}
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		s.logger.Warn("template deleted, could not list profiles", "template", id, "error", err)
		return nil
	}
	for _, p := range profiles {
		if p.Template == id {
			s.logger.Warn("profile now uses the default domain", "profile", p.Package, "template", id)
		}
	}
	return nil
}

func (s *Service) ListTemplates(ctx context.Context) ([]Template, error) {
	return s.store.ListTemplates(ctx)
}

// ApplyAll applies every stored profile. A profile that fails is logged and
// recorded; the rest are still applied.
func (s *Service) ApplyAll(ctx context.Context) (ApplyReport, error) {
	var rep ApplyReport
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return rep, err
	}
	for _, p := range profiles {
		r, err := s.resolve(ctx, p)
		if err != nil {
			rep.Failures = append(rep.Failures, Failure{Package: p.Package, Error: err.Error()})
			continue
		}
		if r.TemplateMissing {
			s.logger.Warn("profile template missing, using default domain", "profile", p.Package, "template", p.Template)
			rep.Fallbacks = append(rep.Fallbacks, p.Package)
		}
		if r.Policy == "" {
			rep.Profiles++
			continue
		}
		n, err := s.engine.ApplyText(r.Policy)
		rep.Statements += n
		if err != nil {
			s.logger.Warn("profile apply failed", "profile", p.Package, "applied", n, "error", err)
			rep.Failures = append(rep.Failures, Failure{Package: p.Package, Error: err.Error()})
			continue
		}
		rep.Profiles++
	}
	return rep, nil
}
