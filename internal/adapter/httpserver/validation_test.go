package httpserver_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talesofai/nietest/internal/adapter/httpserver"
	"github.com/talesofai/nietest/internal/domain"
)

func validSpec() domain.TaskSpec {
	return domain.TaskSpec{
		Name:    "grid",
		Prompts: []domain.Prompt{{Type: domain.PromptFreetext, Value: "a cat"}},
		Ratio:   domain.TaskParameter{Value: "1:1"},
	}
}

func TestValidateSpec_Accepts(t *testing.T) {
	t.Parallel()

	t.Run("minimal", func(t *testing.T) {
		t.Parallel()
		spec := validSpec()
		require.NoError(t, httpserver.ValidateSpec(&spec))
	})

	t.Run("variable slots and prompts", func(t *testing.T) {
		t.Parallel()
		spec := validSpec()
		spec.Prompts = append(spec.Prompts, domain.Prompt{
			Type:         domain.PromptFreetext,
			IsVariable:   true,
			VariableID:   "scene",
			VariableName: "场景",
			VariableValues: []domain.Prompt{
				{Type: domain.PromptFreetext, Value: "forest"},
				{Type: domain.PromptFreetext, Value: "desert"},
			},
		})
		spec.Ratio = domain.TaskParameter{
			IsVariable:     true,
			VariableID:     "r",
			VariableName:   "比例",
			VariableValues: []any{"1:1", "16:9"},
		}
		require.NoError(t, httpserver.ValidateSpec(&spec))
	})
}

func TestValidateSpec_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		mutate  func(*domain.TaskSpec)
		wantMsg string
	}{
		"no prompts": {
			mutate:  func(s *domain.TaskSpec) { s.Prompts = nil },
			wantMsg: "prompts",
		},
		"name too long": {
			mutate:  func(s *domain.TaskSpec) { s.Name = strings.Repeat("x", 256) },
			wantMsg: "name:max",
		},
		"variable batch_size": {
			mutate: func(s *domain.TaskSpec) {
				s.BatchSize = domain.TaskParameter{
					IsVariable: true, VariableID: "b", VariableName: "批量",
					VariableValues: []any{1, 2},
				}
			},
			wantMsg: "batch_size cannot be a variable",
		},
		"variable slot without identity": {
			mutate: func(s *domain.TaskSpec) {
				s.Ratio = domain.TaskParameter{IsVariable: true, VariableValues: []any{"1:1"}}
			},
			wantMsg: "variable slot ratio needs variable_id and variable_name",
		},
		"variable slot blank name": {
			mutate: func(s *domain.TaskSpec) {
				s.Seed = domain.TaskParameter{
					IsVariable: true, VariableID: "s", VariableName: "   ",
					VariableValues: []any{1},
				}
			},
			wantMsg: "variable slot seed needs variable_id and variable_name",
		},
		"variable slot without values": {
			mutate: func(s *domain.TaskSpec) {
				s.Ratio = domain.TaskParameter{IsVariable: true, VariableID: "r", VariableName: "比例"}
			},
			wantMsg: "variable slot ratio has no values",
		},
		"constant slot with candidate values": {
			mutate: func(s *domain.TaskSpec) {
				s.Seed = domain.TaskParameter{Value: 1, VariableValues: []any{1, 2}}
			},
			wantMsg: "slot seed carries variable_values but is not variable",
		},
		"variable prompt without identity": {
			mutate: func(s *domain.TaskSpec) {
				s.Prompts = append(s.Prompts, domain.Prompt{
					Type: domain.PromptFreetext, IsVariable: true,
					VariableValues: []domain.Prompt{{Type: domain.PromptFreetext, Value: "x"}},
				})
			},
			wantMsg: "variable prompt 1 needs variable_id and variable_name",
		},
		"variable prompt without values": {
			mutate: func(s *domain.TaskSpec) {
				s.Prompts = append(s.Prompts, domain.Prompt{
					Type: domain.PromptFreetext, IsVariable: true,
					VariableID: "scene", VariableName: "场景",
				})
			},
			wantMsg: `variable prompt "场景" has no values`,
		},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			spec := validSpec()
			tc.mutate(&spec)

			err := httpserver.ValidateSpec(&spec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrSpecInvalid))
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}
