package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Prompt type discriminators. Reference types resolve against the remote
// character/element library and carry uuid, name and img_url alongside value.
const (
	PromptFreetext  = "freetext"
	PromptOCVToken  = "oc_vtoken_adaptor"
	PromptElementum = "elementum"
)

// Variable slot type names as exposed in variables_map and dimension records.
const (
	VariablePrompt          = "prompt"
	VariableRatio           = "ratio"
	VariableSeed            = "seed"
	VariableBatchSize       = "batch_size"
	VariableUsePolish       = "use_polish"
	VariableIsLumina        = "is_lumina"
	VariableLuminaModelName = "lumina_model_name"
	VariableLuminaCfg       = "lumina_cfg"
	VariableLuminaStep      = "lumina_step"
)

// Prompt is a submitted or materialized prompt. Constant prompts carry a
// concrete value; variable prompts carry candidate values instead, each of
// which is itself a constant prompt.
type Prompt struct {
	Type   string  `json:"type"`
	Value  string  `json:"value,omitempty"`
	Weight float64 `json:"weight,omitempty"`
	UUID   string  `json:"uuid,omitempty"`
	Name   string  `json:"name,omitempty"`
	ImgURL string  `json:"img_url,omitempty"`

	IsVariable     bool     `json:"is_variable,omitempty"`
	VariableID     string   `json:"variable_id,omitempty"`
	VariableName   string   `json:"variable_name,omitempty"`
	VariableValues []Prompt `json:"variable_values,omitempty"`
}

// Reference reports whether the prompt points into the remote library rather
// than carrying free text.
func (p Prompt) Reference() bool {
	return p.Type == PromptOCVToken || p.Type == PromptElementum
}

// TaskParameter is one scalar slot of a task spec: either a pinned value or a
// variable with candidate values.
type TaskParameter struct {
	IsVariable     bool   `json:"is_variable"`
	Type           string `json:"type,omitempty"`
	Format         string `json:"format,omitempty"`
	Value          any    `json:"value"`
	VariableID     string `json:"variable_id,omitempty"`
	VariableName   string `json:"variable_name,omitempty"`
	VariableValues []any  `json:"variable_values,omitempty"`
}

// TaskSpec is the submission payload: a list of prompts plus the eight scalar
// slots, any of which (except batch_size) may be declared variable.
type TaskSpec struct {
	Name     string `json:"name" validate:"omitempty,max=255"`
	Priority int    `json:"priority" validate:"omitempty,min=0"`

	Prompts         []Prompt      `json:"prompts" validate:"required,min=1"`
	Ratio           TaskParameter `json:"ratio"`
	Seed            TaskParameter `json:"seed"`
	BatchSize       TaskParameter `json:"batch_size"`
	UsePolish       TaskParameter `json:"use_polish"`
	IsLumina        TaskParameter `json:"is_lumina"`
	LuminaModelName TaskParameter `json:"lumina_model_name"`
	LuminaCfg       TaskParameter `json:"lumina_cfg"`
	LuminaStep      TaskParameter `json:"lumina_step"`
}

// CoerceString converts a decoded JSON scalar to a string. Nil maps to the
// empty string.
func CoerceString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("%w: cannot coerce %T to string", ErrSpecInvalid, v)
	}
}

// CoerceInt converts a decoded JSON scalar to an int64. Floats must be
// integral; strings must parse as base-10 integers.
func CoerceInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrSpecInvalid, x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrSpecInvalid, x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: cannot coerce %T to int", ErrSpecInvalid, v)
	}
}

// CoerceFloat converts a decoded JSON scalar to a float64.
func CoerceFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrSpecInvalid, x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: cannot coerce %T to float", ErrSpecInvalid, v)
	}
}

// CoerceBool converts a decoded JSON scalar to a bool. Nil maps to false.
func CoerceBool(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no", "":
			return false, nil
		}
		return false, fmt.Errorf("%w: %q is not a bool", ErrSpecInvalid, x)
	case float64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
		return false, fmt.Errorf("%w: %v is not a bool", ErrSpecInvalid, x)
	default:
		return false, fmt.Errorf("%w: cannot coerce %T to bool", ErrSpecInvalid, v)
	}
}
