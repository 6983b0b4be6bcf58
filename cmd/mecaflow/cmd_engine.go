package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/progression"
	"github.com/felixgeelhaar/mecaflow/internal/validation"
)

func newEvaluateCmd() *cobra.Command {
	var exerciseFile, courseFile, payloadFile string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a grading payload and print the verdict",
		Long: `Evaluate reads an exercise, its course and a raw grading payload and prints
the resulting verdict as JSON. Use "-" as the payload file to read stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var exercise domain.Exercise
			if err := readJSONFile(cmd, exerciseFile, &exercise); err != nil {
				return err
			}
			course, err := optionalJSONFile[domain.Course](cmd, courseFile)
			if err != nil {
				return err
			}
			payload, err := readFile(cmd, payloadFile)
			if err != nil {
				return err
			}

			verdict := validation.NewEngine(nil).EvaluateJSON(&exercise, course, payload)
			return printJSON(cmd, verdict)
		},
	}
	cmd.Flags().StringVar(&exerciseFile, "exercise", "", "Exercise JSON file")
	cmd.Flags().StringVar(&courseFile, "course", "", "Course JSON file")
	cmd.Flags().StringVar(&payloadFile, "payload", "-", "Grading payload JSON file")
	cmd.MarkFlagRequired("exercise")
	return cmd
}

func newQuizCmd() *cobra.Command {
	var exerciseFile, answers string

	cmd := &cobra.Command{
		Use:   "quiz",
		Short: "Grade QCM answers for an exercise",
		Example: `  mecaflow quiz --exercise ex.json --answers '{"0":[2],"1":[1,3]}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var exercise domain.Exercise
			if err := readJSONFile(cmd, exerciseFile, &exercise); err != nil {
				return err
			}
			var selected validation.QuizAnswers
			if err := json.Unmarshal([]byte(answers), &selected); err != nil {
				return fmt.Errorf("parse answers: %w", err)
			}

			results := validation.GradeQuiz(exercise.QCM, selected)
			return printJSON(cmd, map[string]any{
				"results": results,
				"score":   validation.QuizScore(results),
				"total":   len(results),
			})
		},
	}
	cmd.Flags().StringVar(&exerciseFile, "exercise", "", "Exercise JSON file")
	cmd.Flags().StringVar(&answers, "answers", "{}", "Selected 1-based options keyed by question index")
	cmd.MarkFlagRequired("exercise")
	return cmd
}

func newProgressCmd() *cobra.Command {
	var exercisesFile, courseFile, recordFile, lastFile string

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Compute the unlock state of a course",
		RunE: func(cmd *cobra.Command, args []string) error {
			var exercises []domain.Exercise
			if err := readJSONFile(cmd, exercisesFile, &exercises); err != nil {
				return err
			}
			course, err := optionalJSONFile[domain.Course](cmd, courseFile)
			if err != nil {
				return err
			}
			record, err := optionalJSONFile[domain.LearnerRecord](cmd, recordFile)
			if err != nil {
				return err
			}
			last, err := optionalJSONFile[domain.LastSubmission](cmd, lastFile)
			if err != nil {
				return err
			}

			return printJSON(cmd, progression.ComputeUnlockState(exercises, course, record, last))
		},
	}
	cmd.Flags().StringVar(&exercisesFile, "exercises", "", "JSON file with the exercises of one course")
	cmd.Flags().StringVar(&courseFile, "course", "", "Course JSON file")
	cmd.Flags().StringVar(&recordFile, "record", "", "Learner record JSON file")
	cmd.Flags().StringVar(&lastFile, "last", "", "Last submission JSON file")
	cmd.MarkFlagRequired("exercises")
	return cmd
}

func newRankCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rank <total-score>",
		Short: "Show the rank tier for a total score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("parse total score: %w", err)
			}
			r := progression.ComputeRank(total)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rank:     %s\n", r.Tier.Name)
			fmt.Fprintf(out, "Score:    %.0f\n", r.TotalScore)
			fmt.Fprintf(out, "Progress: %s %d%%\n", renderProgressBar(float64(r.ProgressToNext)/100, 20), r.ProgressToNext)
			fmt.Fprintf(out, "Next:     %s\n", r.Label)
			return nil
		},
	}
}

func readFile(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func readJSONFile(cmd *cobra.Command, path string, v any) error {
	data, err := readFile(cmd, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func optionalJSONFile[T any](cmd *cobra.Command, path string) (*T, error) {
	if path == "" {
		return nil, nil
	}
	var v T
	if err := readJSONFile(cmd, path, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderProgressBar draws value in [0,1] as a bar of width cells
func renderProgressBar(value float64, width int) string {
	filled := min(max(int(value*float64(width)), 0), width)
	bar := make([]rune, 0, width)
	for i := range width {
		if i < filled {
			bar = append(bar, '█')
		} else {
			bar = append(bar, '░')
		}
	}
	return "[" + string(bar) + "]"
}
