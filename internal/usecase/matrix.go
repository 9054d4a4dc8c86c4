package usecase

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/talesofai/nietest/internal/domain"
)

// MatrixValue is one selectable value of a grid dimension.
type MatrixValue struct {
	ID    string `json:"id"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// MatrixVariable describes one dimension of the result grid, keyed in the
// matrix as "v{dimension_index}".
type MatrixVariable struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Values      []MatrixValue `json:"values"`
	ValuesCount int           `json:"values_count"`
	TagID       string        `json:"tag_id"`
}

// MatrixCell is one filled coordinate: the artifact URL (or an ERROR: line
// when the subtask failed) plus enough subtask state to render the cell.
type MatrixCell struct {
	URL             string     `json:"url"`
	SubtaskID       string     `json:"subtask_id"`
	Status          string     `json:"status"`
	Rating          int        `json:"rating"`
	Evaluation      []string   `json:"evaluation"`
	VariableIndices []int      `json:"variable_indices"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// ResultStats counts subtasks by what their cells hold.
type ResultStats struct {
	WithResult int `json:"with_result"`
	WithError  int `json:"with_error"`
	Empty      int `json:"empty"`
}

// MatrixSummary is the rollup block of a matrix response.
type MatrixSummary struct {
	TotalVariables    int         `json:"total_variables"`
	TotalCombinations int         `json:"total_combinations"`
	TotalSubtasks     int         `json:"total_subtasks"`
	MappedCoordinates int         `json:"mapped_coordinates"`
	ResultStatistics  ResultStats `json:"result_statistics"`
}

// Matrix is the grid view of one task: dimensions, a coordinate-keyed cell
// map and summary counts. Unfilled coordinates hold the empty string so the
// grid is dense even while the task is still running.
type Matrix struct {
	TaskID    string                    `json:"task_id"`
	TaskName  string                    `json:"task_name"`
	CreatedAt time.Time                 `json:"created_at"`
	Variables map[string]MatrixVariable `json:"variables_map"`
	Cells     map[string]any            `json:"coordinates_by_indices"`
	Summary   MatrixSummary             `json:"summary"`
}

// MatrixService materializes result grids from stored tasks and subtasks.
type MatrixService struct {
	Tasks    domain.TaskRepository
	Subtasks domain.SubtaskRepository
}

// NewMatrixService constructs a MatrixService.
func NewMatrixService(tasks domain.TaskRepository, subs domain.SubtaskRepository) MatrixService {
	return MatrixService{Tasks: tasks, Subtasks: subs}
}

// Build loads the task and its subtasks and assembles the dense grid.
func (s MatrixService) Build(ctx domain.Context, taskID string) (Matrix, error) {
	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return Matrix{}, fmt.Errorf("op=matrix.load_task: %w", err)
	}
	subs, err := s.Subtasks.ListByTask(ctx, taskID)
	if err != nil {
		return Matrix{}, fmt.Errorf("op=matrix.load_subtasks: %w", err)
	}

	vars := matrixVariables(task.VariablesMap)
	cells := make(map[string]any)
	seedGrid(cells, dimensionRanges(vars))

	var stats ResultStats
	for i := range subs {
		sub := &subs[i]
		if len(sub.VariableIndices) == 0 {
			continue
		}

		url, kind := cellValue(sub)
		switch kind {
		case "result":
			stats.WithResult++
		case "error":
			stats.WithError++
		default:
			stats.Empty++
		}

		key := coordinateKey(sub.VariableIndices)
		if key == "" {
			continue
		}
		cells[key] = MatrixCell{
			URL:             url,
			SubtaskID:       sub.ID,
			Status:          string(sub.Status),
			Rating:          sub.Rating,
			Evaluation:      sub.Evaluation,
			VariableIndices: sub.VariableIndices,
			CreatedAt:       sub.CreatedAt,
			CompletedAt:     sub.CompletedAt,
		}
	}

	total := 1
	for _, v := range vars {
		total *= v.ValuesCount
	}
	return Matrix{
		TaskID:    task.ID,
		TaskName:  task.Name,
		CreatedAt: task.CreatedAt,
		Variables: vars,
		Cells:     cells,
		Summary: MatrixSummary{
			TotalVariables:    len(vars),
			TotalCombinations: total,
			TotalSubtasks:     len(subs),
			MappedCoordinates: len(cells),
			ResultStatistics:  stats,
		},
	}, nil
}

// matrixVariables reshapes the stored variables_map into grid dimensions.
// Entries with neither a name nor values are dropped; a present but unnamed
// dimension gets a positional display name.
func matrixVariables(vm map[string]domain.VariableEntry) map[string]MatrixVariable {
	out := make(map[string]MatrixVariable, len(vm))
	for dim, entry := range vm {
		key := dim
		if !strings.HasPrefix(dim, "v") {
			key = "v" + dim
		}

		values := make([]MatrixValue, 0, len(entry.Values))
		for i, raw := range entry.Values {
			values = append(values, MatrixValue{
				ID:    strconv.Itoa(i),
				Value: valueString(raw),
				Type:  entry.VariableType,
			})
		}

		name := strings.TrimSpace(entry.VariableName)
		if name == "" {
			if len(values) == 0 {
				continue
			}
			name = "变量" + dim
		}
		out[key] = MatrixVariable{
			Name:        name,
			Type:        entry.VariableType,
			Values:      values,
			ValuesCount: len(values),
			TagID:       entry.VariableID,
		}
	}
	return out
}

// valueString renders one stored dimension value. Prompt values arrive as
// domain.Prompt when freshly expanded and as generic maps when decoded from
// JSONB; parameter values are plain scalars.
func valueString(raw any) string {
	switch x := raw.(type) {
	case domain.Prompt:
		return x.Value
	case map[string]any:
		s, err := domain.CoerceString(x["value"])
		if err != nil {
			return ""
		}
		return s
	default:
		s, err := domain.CoerceString(raw)
		if err != nil {
			return fmt.Sprint(raw)
		}
		return s
	}
}

// dimensionRanges returns the per-dimension value counts in v0, v1, ...
// order, skipping empty dimensions.
func dimensionRanges(vars map[string]MatrixVariable) []int {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return varKeyIndex(keys[i]) < varKeyIndex(keys[j])
	})

	ranges := make([]int, 0, len(keys))
	for _, k := range keys {
		if n := vars[k].ValuesCount; n > 0 {
			ranges = append(ranges, n)
		}
	}
	return ranges
}

// varKeyIndex extracts the numeric suffix of a "v{n}" key; malformed keys
// sort last.
func varKeyIndex(key string) int {
	if !strings.HasPrefix(key, "v") {
		return 999
	}
	n, err := strconv.Atoi(key[1:])
	if err != nil {
		return 999
	}
	return n
}

// seedGrid pre-fills every coordinate of the full product with the empty
// string, rightmost dimension fastest.
func seedGrid(cells map[string]any, ranges []int) {
	if len(ranges) == 0 {
		return
	}
	coords := make([]int, len(ranges))
	for {
		parts := make([]string, len(coords))
		for i, c := range coords {
			parts[i] = strconv.Itoa(c)
		}
		key := strings.Join(parts, ",")
		if _, ok := cells[key]; !ok {
			cells[key] = ""
		}

		i := len(coords) - 1
		for ; i >= 0; i-- {
			coords[i]++
			if coords[i] < ranges[i] {
				break
			}
			coords[i] = 0
		}
		if i < 0 {
			return
		}
	}
}

// coordinateKey joins the leading non-negative indices with commas. A
// negative index truncates the coordinate there so the key never skips a
// dimension.
func coordinateKey(indices []int) string {
	parts := make([]string, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 {
			break
		}
		parts = append(parts, strconv.Itoa(idx))
	}
	return strings.Join(parts, ",")
}

// cellValue picks what the cell shows: the artifact URL when present, the
// stored error prefixed with "ERROR: " otherwise, or nothing.
func cellValue(sub *domain.Subtask) (string, string) {
	if sub.Result != nil {
		if r := strings.TrimSpace(*sub.Result); r != "" {
			return r, "result"
		}
	}
	if sub.Error != nil {
		if e := strings.TrimSpace(*sub.Error); e != "" {
			return "ERROR: " + e, "error"
		}
	}
	return "", "empty"
}
