// Package usecase contains the task orchestration services: spec expansion,
// admission control, dispatch scheduling, subtask execution and task
// monitoring.
package usecase

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/talesofai/nietest/internal/domain"
)

// slotOrder is the canonical walk order of the configurable scalar slots.
// Dimension indices depend on it, so it must never change.
var slotOrder = []string{
	domain.VariableRatio,
	domain.VariableSeed,
	domain.VariableUsePolish,
	domain.VariableIsLumina,
	domain.VariableLuminaModelName,
	domain.VariableLuminaCfg,
	domain.VariableLuminaStep,
}

// Expansion is the materialized form of a task spec: the spec with variable
// ids normalized, dimension records for the UI, and one subtask per point of
// the Cartesian product.
type Expansion struct {
	Spec         domain.TaskSpec
	Total        int
	Variables    []domain.VariableDimension
	VariablesMap map[string]domain.VariableEntry
	Subtasks     []domain.Subtask
}

// dimension is one active variable: its normalized id plus the candidate
// values it ranges over. Exactly one of promptValues/paramValues is set.
type dimension struct {
	id           string
	name         string
	typ          string
	promptValues []domain.Prompt
	paramValues  []any
}

func (d dimension) size() int {
	if d.typ == domain.VariablePrompt {
		return len(d.promptValues)
	}
	return len(d.paramValues)
}

// idAllocator re-issues non-numeric variable ids as decimal strings. Numeric
// ids pass through unchanged; the same original id always maps to the same
// replacement.
type idAllocator struct {
	next    int
	mapping map[string]string
}

func newIDAllocator() *idAllocator {
	return &idAllocator{mapping: make(map[string]string)}
}

func (a *idAllocator) normalize(original string) string {
	if isDigits(original) {
		return original
	}
	if v, ok := a.mapping[original]; ok {
		return v
	}
	v := strconv.Itoa(a.next)
	a.next++
	a.mapping[original] = v
	return v
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Expand walks the spec's prompts in input order and then the scalar slots in
// slotOrder, assigns each variable a dimension index, and emits one subtask
// per coordinate of the resulting product space. A spec with no variables
// expands to exactly one subtask with empty variable indices.
func Expand(spec domain.TaskSpec) (*Expansion, error) {
	alloc := newIDAllocator()
	seen := make(map[string]string) // normalized id -> description of its holder

	var dims []dimension
	var variables []domain.VariableDimension
	variablesMap := make(map[string]domain.VariableEntry)

	record := func(d dimension) {
		dims = append(dims, d)
		idx := len(dims) - 1
		variables = append(variables, domain.VariableDimension{
			VariableID:     d.id,
			DimensionIndex: idx,
			VariableName:   d.name,
			VariableType:   d.typ,
		})
		values := d.paramValues
		if d.typ == domain.VariablePrompt {
			values = make([]any, len(d.promptValues))
			for i, p := range d.promptValues {
				values[i] = p
			}
		}
		variablesMap[strconv.Itoa(idx)] = domain.VariableEntry{
			VariableID:   d.id,
			VariableName: d.name,
			VariableType: d.typ,
			Values:       values,
			ValuesCount:  d.size(),
		}
	}

	// Prompts first, in input order.
	normPrompts := make([]domain.Prompt, len(spec.Prompts))
	for i, p := range spec.Prompts {
		if !p.IsVariable {
			normPrompts[i] = constantPrompt(p)
			continue
		}
		if p.VariableID == "" || p.VariableName == "" {
			return nil, fmt.Errorf("%w: variable prompt %d needs variable_id and variable_name", domain.ErrSpecInvalid, i)
		}
		if len(p.VariableValues) == 0 {
			return nil, fmt.Errorf("%w: variable prompt %q has no values", domain.ErrSpecInvalid, p.VariableName)
		}
		nid := alloc.normalize(p.VariableID)
		if prev, dup := seen[nid]; dup {
			return nil, fmt.Errorf("%w: variable id %q already used by %s", domain.ErrSpecInvalid, nid, prev)
		}
		seen[nid] = fmt.Sprintf("prompt %d", i)

		values := make([]domain.Prompt, len(p.VariableValues))
		for j, v := range p.VariableValues {
			values[j] = constantPrompt(v)
		}
		normPrompts[i] = domain.Prompt{
			Type:           p.Type,
			Weight:         1,
			IsVariable:     true,
			VariableID:     nid,
			VariableName:   p.VariableName,
			VariableValues: values,
		}
		record(dimension{id: nid, name: p.VariableName, typ: domain.VariablePrompt, promptValues: values})
	}

	// Then the scalar slots, in the fixed order. batch_size is never one.
	slots := map[string]domain.TaskParameter{
		domain.VariableRatio:           spec.Ratio,
		domain.VariableSeed:            spec.Seed,
		domain.VariableUsePolish:       spec.UsePolish,
		domain.VariableIsLumina:        spec.IsLumina,
		domain.VariableLuminaModelName: spec.LuminaModelName,
		domain.VariableLuminaCfg:       spec.LuminaCfg,
		domain.VariableLuminaStep:      spec.LuminaStep,
	}
	if spec.BatchSize.IsVariable {
		return nil, fmt.Errorf("%w: batch_size cannot be a variable", domain.ErrSpecInvalid)
	}
	for _, name := range slotOrder {
		param := slots[name]
		if !param.IsVariable {
			slots[name] = domain.TaskParameter{Type: param.Type, Format: param.Format, Value: param.Value}
			continue
		}
		if param.VariableID == "" || param.VariableName == "" {
			return nil, fmt.Errorf("%w: variable slot %s needs variable_id and variable_name", domain.ErrSpecInvalid, name)
		}
		if len(param.VariableValues) == 0 {
			return nil, fmt.Errorf("%w: variable slot %s has no values", domain.ErrSpecInvalid, name)
		}
		nid := alloc.normalize(param.VariableID)
		if prev, dup := seen[nid]; dup {
			return nil, fmt.Errorf("%w: variable id %q already used by %s", domain.ErrSpecInvalid, nid, prev)
		}
		seen[nid] = "slot " + name

		slots[name] = domain.TaskParameter{
			IsVariable:     true,
			Type:           param.Type,
			Format:         param.Format,
			VariableID:     nid,
			VariableName:   param.VariableName,
			VariableValues: param.VariableValues,
		}
		record(dimension{id: nid, name: param.VariableName, typ: name, paramValues: param.VariableValues})
	}

	total := 1
	for _, d := range dims {
		total *= d.size()
	}

	normSpec := spec
	normSpec.Prompts = normPrompts
	normSpec.Ratio = slots[domain.VariableRatio]
	normSpec.Seed = slots[domain.VariableSeed]
	normSpec.UsePolish = slots[domain.VariableUsePolish]
	normSpec.IsLumina = slots[domain.VariableIsLumina]
	normSpec.LuminaModelName = slots[domain.VariableLuminaModelName]
	normSpec.LuminaCfg = slots[domain.VariableLuminaCfg]
	normSpec.LuminaStep = slots[domain.VariableLuminaStep]

	subtasks, err := enumerate(normSpec, dims)
	if err != nil {
		return nil, err
	}

	return &Expansion{
		Spec:         normSpec,
		Total:        total,
		Variables:    variables,
		VariablesMap: variablesMap,
		Subtasks:     subtasks,
	}, nil
}

// constantPrompt strips variable bookkeeping from a prompt, keeping only the
// fields that matter for generation. Reference prompts keep their library
// coordinates; freetext keeps just value and weight.
func constantPrompt(p domain.Prompt) domain.Prompt {
	out := domain.Prompt{Type: p.Type, Value: p.Value, Weight: p.Weight}
	if p.Reference() {
		out.UUID = p.UUID
		out.Name = p.Name
		out.ImgURL = p.ImgURL
	}
	return out
}

// enumerate walks the product space row-major (last dimension fastest) and
// materializes one subtask per coordinate by substituting each dimension's
// chosen value into the template, keyed by variable id: prompts are searched
// first, then the scalar slots.
func enumerate(spec domain.TaskSpec, dims []dimension) ([]domain.Subtask, error) {
	slots := map[string]domain.TaskParameter{
		domain.VariableRatio:           spec.Ratio,
		domain.VariableSeed:            spec.Seed,
		domain.VariableUsePolish:       spec.UsePolish,
		domain.VariableIsLumina:        spec.IsLumina,
		domain.VariableLuminaModelName: spec.LuminaModelName,
		domain.VariableLuminaCfg:       spec.LuminaCfg,
		domain.VariableLuminaStep:      spec.LuminaStep,
	}

	baseValues := make(map[string]any, len(slotOrder))
	for _, name := range slotOrder {
		if !slots[name].IsVariable {
			baseValues[name] = slots[name].Value
		}
	}

	if len(dims) == 0 {
		prompts := make([]domain.Prompt, 0, len(spec.Prompts))
		for _, p := range spec.Prompts {
			if p.Value != "" {
				prompts = append(prompts, p)
			}
		}
		sub, err := materialize(prompts, baseValues, spec.BatchSize, nil)
		if err != nil {
			return nil, err
		}
		return []domain.Subtask{sub}, nil
	}

	subtasks := make([]domain.Subtask, 0, productSize(dims))
	coords := make([]int, len(dims))
	for {
		prompts := make([]*domain.Prompt, len(spec.Prompts))
		for i := range spec.Prompts {
			if !spec.Prompts[i].IsVariable {
				prompts[i] = &spec.Prompts[i]
			}
		}
		values := make(map[string]any, len(slotOrder))
		for k, v := range baseValues {
			values[k] = v
		}

		for d, vi := range coords {
			dim := dims[d]
			applied := false
			for i, p := range spec.Prompts {
				if p.IsVariable && p.VariableID == dim.id {
					prompts[i] = &dim.promptValues[vi]
					applied = true
					break
				}
			}
			if applied {
				continue
			}
			for _, name := range slotOrder {
				if slots[name].IsVariable && slots[name].VariableID == dim.id {
					values[name] = dim.paramValues[vi]
					applied = true
					break
				}
			}
			if !applied {
				return nil, fmt.Errorf("%w: variable id %q has no slot to apply", domain.ErrSpecInvalid, dim.id)
			}
		}

		final := make([]domain.Prompt, 0, len(prompts))
		for _, p := range prompts {
			if p != nil && p.Value != "" {
				final = append(final, *p)
			}
		}
		indices := make([]int, len(coords))
		copy(indices, coords)
		sub, err := materialize(final, values, spec.BatchSize, indices)
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, sub)

		// Advance row-major: rightmost coordinate first.
		i := len(coords) - 1
		for ; i >= 0; i-- {
			coords[i]++
			if coords[i] < dims[i].size() {
				break
			}
			coords[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return subtasks, nil
}

func productSize(dims []dimension) int {
	n := 1
	for _, d := range dims {
		n *= d.size()
	}
	return n
}

// materialize coerces one coordinate's raw slot values into a typed subtask.
// Coercion failures surface as ErrSpecInvalid because they can only come from
// values the spec carried.
func materialize(prompts []domain.Prompt, values map[string]any, batch domain.TaskParameter, indices []int) (domain.Subtask, error) {
	if indices == nil {
		indices = []int{}
	}
	sub := domain.Subtask{
		ID:              uuid.NewString(),
		Status:          domain.SubtaskPending,
		VariableIndices: indices,
		Prompts:         prompts,
		Ratio:           "1:1",
		BatchSize:       1,
		Evaluation:      []string{},
	}

	if v := values[domain.VariableRatio]; v != nil {
		s, err := domain.CoerceString(v)
		if err != nil {
			return domain.Subtask{}, fmt.Errorf("ratio: %w", err)
		}
		if s != "" {
			sub.Ratio = s
		}
	}
	if v := values[domain.VariableSeed]; v != nil {
		n, err := domain.CoerceInt(v)
		if err != nil {
			return domain.Subtask{}, fmt.Errorf("seed: %w", err)
		}
		sub.Seed = &n
	}
	up, err := domain.CoerceBool(values[domain.VariableUsePolish])
	if err != nil {
		return domain.Subtask{}, fmt.Errorf("use_polish: %w", err)
	}
	sub.UsePolish = up
	lum, err := domain.CoerceBool(values[domain.VariableIsLumina])
	if err != nil {
		return domain.Subtask{}, fmt.Errorf("is_lumina: %w", err)
	}
	sub.IsLumina = lum
	if v := values[domain.VariableLuminaModelName]; v != nil {
		s, err := domain.CoerceString(v)
		if err != nil {
			return domain.Subtask{}, fmt.Errorf("lumina_model_name: %w", err)
		}
		sub.LuminaModelName = &s
	}
	if v := values[domain.VariableLuminaCfg]; v != nil {
		f, err := domain.CoerceFloat(v)
		if err != nil {
			return domain.Subtask{}, fmt.Errorf("lumina_cfg: %w", err)
		}
		sub.LuminaCfg = &f
	}
	if v := values[domain.VariableLuminaStep]; v != nil {
		n, err := domain.CoerceInt(v)
		if err != nil {
			return domain.Subtask{}, fmt.Errorf("lumina_step: %w", err)
		}
		step := int(n)
		sub.LuminaStep = &step
	}
	if batch.Value != nil {
		n, err := domain.CoerceInt(batch.Value)
		if err != nil {
			return domain.Subtask{}, fmt.Errorf("batch_size: %w", err)
		}
		sub.BatchSize = int(n)
	}
	return sub, nil
}
