package module

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Prop is the parsed module.prop.
type Prop struct {
	ID          string `validate:"required,module_id"`
	Name        string `validate:"required"`
	Version     string `validate:"max=128"`
	VersionCode int64  `validate:"gte=0"`
	Author      string `validate:"max=256"`
	Description string `validate:"max=4096"`
	Priority    *int
	// UpdateReset asks for the module to come back Enabled after an update
	// regardless of module.update_state.
	UpdateReset bool
}

var moduleID = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]+$`)

var propValidate *validator.Validate

func init() {
	propValidate = validator.New()
	_ = propValidate.RegisterValidation("module_id", func(fl validator.FieldLevel) bool {
		return moduleID.MatchString(fl.Field().String())
	})
}

// ValidID reports whether id is usable as a module directory name.
func ValidID(id string) bool {
	return moduleID.MatchString(id)
}

// ParseProp reads key=value lines. Unknown keys are ignored.
func ParseProp(r io.Reader) (Prop, error) {
	var p Prop
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return p, fmt.Errorf("module.prop line %d: missing '='", n)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "id":
			p.ID = value
		case "name":
			p.Name = value
		case "version":
			p.Version = value
		case "versionCode":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return p, fmt.Errorf("module.prop line %d: versionCode: %w", n, err)
			}
			p.VersionCode = v
		case "author":
			p.Author = value
		case "description":
			p.Description = value
		case "priority":
			v, err := strconv.Atoi(value)
			if err != nil {
				return p, fmt.Errorf("module.prop line %d: priority: %w", n, err)
			}
			p.Priority = &v
		case "updateReset":
			v, err := strconv.ParseBool(value)
			if err != nil {
				return p, fmt.Errorf("module.prop line %d: updateReset: %w", n, err)
			}
			p.UpdateReset = v
		}
	}
	if err := sc.Err(); err != nil {
		return p, err
	}
	if err := propValidate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return p, fmt.Errorf("module.prop: invalid %s (%s)", strings.ToLower(fe.Field()), fe.Tag())
		}
		return p, fmt.Errorf("module.prop: %w", err)
	}
	return p, nil
}
