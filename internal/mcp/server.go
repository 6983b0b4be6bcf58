package mcp

import (
	"context"
	"fmt"
	"strconv"

	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/progression"
	"github.com/felixgeelhaar/mecaflow/internal/validation"
)

// Server exposes the validation and progression engine as MCP tools
type Server struct {
	mcpServer *server.Server
	engine    *validation.Engine
}

// Config contains configuration for the MCP server
type Config struct {
	Engine  *validation.Engine
	Version string
}

// NewServer creates a new MCP server for mecaflow
func NewServer(cfg Config) *Server {
	s := &Server{engine: cfg.Engine}
	if s.engine == nil {
		s.engine = validation.NewEngine(nil)
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}

	s.mcpServer = server.New(server.Info{
		Name:    "mecaflow",
		Version: version,
	}, server.WithInstructions(`
mecaflow interprets CAD exercise grading results and decides which exercises a
learner may attempt next.

Available tools:
- mecaflow_evaluate: Turn a raw grading payload into a verdict
- mecaflow_progression: Compute which exercises of a course are unlocked
- mecaflow_course_progress: Summarize progress across courses
- mecaflow_rank: Place a total score in its rank tier
- mecaflow_quiz: Grade QCM answers

Thresholds: a standard check passes at 80, the next exercise opens at 50 for
the submission just made, and an exercise counts as cleared at 90.
`))

	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.Tool("mecaflow_evaluate").
		Description("Evaluate a raw grading payload for an exercise and return the verdict.").
		Handler(s.handleEvaluate)

	s.mcpServer.Tool("mecaflow_progression").
		Description("Compute the unlock state of every exercise of a course.").
		Handler(s.handleProgression)

	s.mcpServer.Tool("mecaflow_course_progress").
		Description("Summarize completed exercises per course and overall.").
		Handler(s.handleCourseProgress)

	s.mcpServer.Tool("mecaflow_rank").
		Description("Compute the rank tier for a total score.").
		Handler(s.handleRank)

	s.mcpServer.Tool("mecaflow_quiz").
		Description("Grade QCM answers against the exercise questions.").
		Handler(s.handleQuiz)
}

// Input/Output types for tools

type EvaluateInput struct {
	Exercise domain.Exercise `json:"exercise" jsonschema:"description=Exercise being graded (id and order are required)"`
	Course   *domain.Course  `json:"course,omitempty" jsonschema:"description=Course of the exercise; its level selects the result shape"`
	Payload  string          `json:"payload" jsonschema:"description=Raw grading payload as returned by the backend (JSON)"`
}

type ProgressionInput struct {
	Exercises      []domain.Exercise      `json:"exercises" jsonschema:"description=Exercises of one course"`
	Course         *domain.Course         `json:"course,omitempty" jsonschema:"description=The course"`
	Record         *domain.LearnerRecord  `json:"record,omitempty" jsonschema:"description=Authoritative learner record"`
	LastSubmission *domain.LastSubmission `json:"last_submission,omitempty" jsonschema:"description=Optimistic result of the latest submission"`
}

type CourseProgressInput struct {
	Courses           []domain.Course              `json:"courses" jsonschema:"description=Courses to summarize"`
	ExercisesByCourse map[string][]domain.Exercise `json:"exercises_by_course" jsonschema:"description=Exercises keyed by course id"`
	Record            *domain.LearnerRecord        `json:"record,omitempty" jsonschema:"description=Authoritative learner record"`
}

type CourseProgressOutput struct {
	Summary     progression.Summary           `json:"summary"`
	Completions []progression.LevelCompletion `json:"completions"`
}

type RankInput struct {
	TotalScore float64 `json:"total_score" jsonschema:"description=Sum of the learner's exercise scores"`
}

type QuizInput struct {
	Questions []domain.QCMQuestion `json:"questions" jsonschema:"description=QCM questions in order"`
	Answers   map[string][]int     `json:"answers" jsonschema:"description=Selected 1-based options keyed by question index"`
}

type QuizOutput struct {
	Results []validation.QuizResult `json:"results"`
	Score   int                     `json:"score"`
	Total   int                     `json:"total"`
}

func (s *Server) handleEvaluate(ctx context.Context, input EvaluateInput) (domain.Verdict, error) {
	if input.Exercise.ID == "" {
		return domain.Verdict{}, fmt.Errorf("%w: exercise id is required", domain.ErrInvalidInput)
	}
	return s.engine.EvaluateJSON(&input.Exercise, input.Course, []byte(input.Payload)), nil
}

func (s *Server) handleProgression(ctx context.Context, input ProgressionInput) (domain.ProgressionState, error) {
	return progression.ComputeUnlockState(input.Exercises, input.Course, input.Record, input.LastSubmission), nil
}

// handleCourseProgress has no session, so every completed level is reported
func (s *Server) handleCourseProgress(ctx context.Context, input CourseProgressInput) (CourseProgressOutput, error) {
	summary := progression.Summarize(input.Courses, input.ExercisesByCourse, input.Record)
	return CourseProgressOutput{
		Summary:     summary,
		Completions: progression.DetectLevelCompletions(summary.Courses, nil),
	}, nil
}

func (s *Server) handleRank(ctx context.Context, input RankInput) (progression.Rank, error) {
	return progression.ComputeRank(input.TotalScore), nil
}

func (s *Server) handleQuiz(ctx context.Context, input QuizInput) (QuizOutput, error) {
	answers, err := quizAnswers(input.Answers)
	if err != nil {
		return QuizOutput{}, err
	}
	results := validation.GradeQuiz(input.Questions, answers)
	return QuizOutput{
		Results: results,
		Score:   validation.QuizScore(results),
		Total:   len(results),
	}, nil
}

func quizAnswers(raw map[string][]int) (validation.QuizAnswers, error) {
	answers := make(validation.QuizAnswers, len(raw))
	for k, v := range raw {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("%w: question index %q", domain.ErrInvalidInput, k)
		}
		answers[i] = v
	}
	return answers, nil
}

// ServeStdio starts the MCP server on stdio
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP starts the MCP server on HTTP
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server (for testing)
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
