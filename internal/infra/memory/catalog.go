package memory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"live-quiz-service/internal/domain"
)

type catalogFile struct {
	Quizzes []catalogQuiz `yaml:"quizzes"`
}

type catalogQuiz struct {
	ID         string            `yaml:"id"`
	SpeedBonus int               `yaml:"speed_bonus"`
	Questions  []catalogQuestion `yaml:"questions"`
}

type catalogQuestion struct {
	ID               string          `yaml:"id"`
	Prompt           string          `yaml:"prompt"`
	Points           int             `yaml:"points"`
	TimeLimitSeconds int             `yaml:"time_limit_seconds"`
	Options          []catalogOption `yaml:"options"`
}

type catalogOption struct {
	ID      string `yaml:"id"`
	Text    string `yaml:"text"`
	Correct bool   `yaml:"correct"`
}

// LoadCatalog reads quizzes from a YAML file, for running without Postgres.
func LoadCatalog(path string) (map[string]domain.Quiz, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes a YAML quiz catalog. Every question needs exactly one correct option.
func ParseCatalog(raw []byte) (map[string]domain.Quiz, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	quizzes := make(map[string]domain.Quiz, len(file.Quizzes))
	for _, cq := range file.Quizzes {
		if cq.ID == "" {
			return nil, fmt.Errorf("catalog: quiz without id")
		}
		if _, dup := quizzes[cq.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate quiz %s", cq.ID)
		}
		quiz := domain.Quiz{ID: cq.ID, SpeedBonus: cq.SpeedBonus}
		for i, question := range cq.Questions {
			q := domain.Question{
				ID:               question.ID,
				Prompt:           question.Prompt,
				Points:           question.Points,
				TimeLimitSeconds: question.TimeLimitSeconds,
			}
			correct := 0
			for _, opt := range question.Options {
				if opt.Correct {
					correct++
				}
				q.Options = append(q.Options, domain.Option{ID: opt.ID, Text: opt.Text, Correct: opt.Correct})
			}
			if correct != 1 {
				return nil, fmt.Errorf("catalog: quiz %s question %d has %d correct options", cq.ID, i, correct)
			}
			quiz.Questions = append(quiz.Questions, q)
		}
		quizzes[cq.ID] = quiz
	}
	return quizzes, nil
}
