package httpserver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/talesofai/nietest/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// ValidateSpec runs the cheap structural checks on a decoded task spec
// before anything touches the database. The expansion engine repeats the
// deeper coercion checks; this mirror exists so obviously broken payloads
// fail fast at the edge with a 400.
func ValidateSpec(spec *domain.TaskSpec) error {
	if err := getValidator().Struct(spec); err != nil {
		fields := make([]string, 0, 4)
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				fields = append(fields, strings.ToLower(fe.Field())+":"+fe.Tag())
			}
		}
		return fmt.Errorf("%w: %s", domain.ErrSpecInvalid, strings.Join(fields, ", "))
	}

	if spec.BatchSize.IsVariable {
		return fmt.Errorf("%w: batch_size cannot be a variable", domain.ErrSpecInvalid)
	}
	slots := []struct {
		name  string
		param *domain.TaskParameter
	}{
		{"ratio", &spec.Ratio},
		{"seed", &spec.Seed},
		{"batch_size", &spec.BatchSize},
		{"use_polish", &spec.UsePolish},
		{"is_lumina", &spec.IsLumina},
		{"lumina_model_name", &spec.LuminaModelName},
		{"lumina_cfg", &spec.LuminaCfg},
		{"lumina_step", &spec.LuminaStep},
	}
	for _, slot := range slots {
		p := slot.param
		if p.IsVariable {
			if p.VariableID == "" || strings.TrimSpace(p.VariableName) == "" {
				return fmt.Errorf("%w: variable slot %s needs variable_id and variable_name", domain.ErrSpecInvalid, slot.name)
			}
			if len(p.VariableValues) == 0 {
				return fmt.Errorf("%w: variable slot %s has no values", domain.ErrSpecInvalid, slot.name)
			}
			continue
		}
		if len(p.VariableValues) > 0 {
			return fmt.Errorf("%w: slot %s carries variable_values but is not variable", domain.ErrSpecInvalid, slot.name)
		}
	}

	for i := range spec.Prompts {
		p := &spec.Prompts[i]
		if !p.IsVariable {
			continue
		}
		if p.VariableID == "" || strings.TrimSpace(p.VariableName) == "" {
			return fmt.Errorf("%w: variable prompt %d needs variable_id and variable_name", domain.ErrSpecInvalid, i)
		}
		if len(p.VariableValues) == 0 {
			return fmt.Errorf("%w: variable prompt %q has no values", domain.ErrSpecInvalid, p.VariableName)
		}
	}
	return nil
}
