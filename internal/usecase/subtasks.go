package usecase

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/talesofai/nietest/internal/domain"
)

// RatingView is the stored feedback of one subtask.
type RatingView struct {
	SubtaskID  string   `json:"subtask_id"`
	Rating     int      `json:"rating"`
	Evaluation []string `json:"evaluation"`
}

// EvaluationResult is the evaluation list after an add or remove.
type EvaluationResult struct {
	SubtaskID  string   `json:"subtask_id"`
	Removed    string   `json:"removed_evaluation,omitempty"`
	Evaluation []string `json:"evaluation"`
}

// SubtaskService serves the per-subtask feedback endpoints.
type SubtaskService struct {
	Subtasks domain.SubtaskRepository
}

// NewSubtaskService constructs a SubtaskService.
func NewSubtaskService(subs domain.SubtaskRepository) SubtaskService {
	return SubtaskService{Subtasks: subs}
}

// Rate stores a 1-5 rating.
func (s SubtaskService) Rate(ctx domain.Context, id string, rating int) (RatingView, error) {
	if rating < 1 || rating > 5 {
		return RatingView{}, fmt.Errorf("%w: 评分必须在1-5之间", domain.ErrInvalidArgument)
	}
	sub, err := s.Subtasks.Get(ctx, id)
	if err != nil {
		return RatingView{}, fmt.Errorf("op=subtasks.rate: %w", err)
	}
	if err := s.Subtasks.UpdateRating(ctx, id, rating); err != nil {
		return RatingView{}, fmt.Errorf("op=subtasks.rate_update: %w", err)
	}
	slog.Info("subtask rated", slog.String("subtask_id", id), slog.Int("rating", rating))
	return RatingView{SubtaskID: id, Rating: rating, Evaluation: sub.Evaluation}, nil
}

// Rating returns the stored rating and evaluation notes.
func (s SubtaskService) Rating(ctx domain.Context, id string) (RatingView, error) {
	sub, err := s.Subtasks.Get(ctx, id)
	if err != nil {
		return RatingView{}, fmt.Errorf("op=subtasks.rating: %w", err)
	}
	return RatingView{SubtaskID: sub.ID, Rating: sub.Rating, Evaluation: sub.Evaluation}, nil
}

// AddEvaluation appends one note to the subtask's evaluation list.
func (s SubtaskService) AddEvaluation(ctx domain.Context, id, text string) (EvaluationResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return EvaluationResult{}, fmt.Errorf("%w: 评价内容不能为空", domain.ErrInvalidArgument)
	}
	sub, err := s.Subtasks.Get(ctx, id)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("op=subtasks.add_evaluation: %w", err)
	}
	evaluation := append(sub.Evaluation, text)
	if err := s.Subtasks.UpdateEvaluation(ctx, id, evaluation); err != nil {
		return EvaluationResult{}, fmt.Errorf("op=subtasks.add_evaluation_update: %w", err)
	}
	return EvaluationResult{SubtaskID: id, Evaluation: evaluation}, nil
}

// RemoveEvaluation deletes the note at the given index.
func (s SubtaskService) RemoveEvaluation(ctx domain.Context, id string, index int) (EvaluationResult, error) {
	sub, err := s.Subtasks.Get(ctx, id)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("op=subtasks.remove_evaluation: %w", err)
	}
	if index < 0 || index >= len(sub.Evaluation) {
		return EvaluationResult{}, fmt.Errorf("%w: 评价索引无效", domain.ErrInvalidArgument)
	}
	removed := sub.Evaluation[index]
	evaluation := append(sub.Evaluation[:index], sub.Evaluation[index+1:]...)
	if err := s.Subtasks.UpdateEvaluation(ctx, id, evaluation); err != nil {
		return EvaluationResult{}, fmt.Errorf("op=subtasks.remove_evaluation_update: %w", err)
	}
	slog.Info("subtask evaluation removed",
		slog.String("subtask_id", id), slog.Int("index", index))
	return EvaluationResult{SubtaskID: id, Removed: removed, Evaluation: evaluation}, nil
}
