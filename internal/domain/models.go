package domain

import (
	"fmt"
	"time"
)

// Phase is the state-machine state of a session.
type Phase string

const (
	PhaseLobby          Phase = "lobby"
	PhaseQuestionOpen   Phase = "questionOpen"
	PhaseQuestionClosed Phase = "questionClosed"
	PhaseFinished       Phase = "finished"
)

// Role is the part a connection plays within a session.
type Role string

const (
	RoleQuizmaster Role = "quizmaster"
	RolePlayer     Role = "player"
)

// Identity is what the auth gate yields for a verified credential.
type Identity struct {
	ParticipantID string
	DisplayName   string
	Roles         []Role
}

// Can reports whether the identity was granted role.
func (i Identity) Can(role Role) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Answer is a single player's submission for one question.
// Correct and Awarded are filled in when the window closes.
type Answer struct {
	QuestionIndex int           `json:"questionIndex"`
	Choice        string        `json:"choice"`
	SubmittedAt   time.Time     `json:"submittedAt"`
	Resolved      bool          `json:"resolved"`
	Correct       bool          `json:"correct"`
	Awarded       int           `json:"awarded"`
	Elapsed       time.Duration `json:"elapsed"`
}

// PlayerState is one participant's standing within a session.
type PlayerState struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Connected   bool      `json:"connected"`
	Score       int       `json:"score"`
	Answers     []Answer  `json:"answers"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// AnswerFor returns the player's answer for a question index, if any.
func (p *PlayerState) AnswerFor(questionIndex int) (*Answer, bool) {
	for i := range p.Answers {
		if p.Answers[i].QuestionIndex == questionIndex {
			return &p.Answers[i], true
		}
	}
	return nil, false
}

// ResponseTime is the cumulative time from window open to submission over all resolved answers.
func (p *PlayerState) ResponseTime() time.Duration {
	var total time.Duration
	for _, a := range p.Answers {
		if a.Resolved {
			total += a.Elapsed
		}
	}
	return total
}

// Responded reports whether any of the player's answers has been scored.
func (p *PlayerState) Responded() bool {
	for _, a := range p.Answers {
		if a.Resolved {
			return true
		}
	}
	return false
}

// Session is one quiz run. Players keep join order.
type Session struct {
	ID                  string        `json:"id"`
	QuizID              string        `json:"quizId"`
	Quizmaster          string        `json:"quizmaster"`
	QuizmasterConnected bool          `json:"quizmasterConnected"`
	FrozenAt            *time.Time    `json:"frozenAt,omitempty"`
	Players             []PlayerState `json:"players"`
	QuestionIndex       int           `json:"questionIndex"`
	TotalQuestions      int           `json:"totalQuestions"`
	Phase               Phase         `json:"phase"`
	OpenedAt            *time.Time    `json:"openedAt,omitempty"`
	Deadline            *time.Time    `json:"deadline,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	FinishedAt          *time.Time    `json:"finishedAt,omitempty"`
}

// NewSession builds a session in the lobby.
func NewSession(id, quizID, quizmaster string, totalQuestions int, now time.Time) Session {
	return Session{
		ID:                  id,
		QuizID:              quizID,
		Quizmaster:          quizmaster,
		QuizmasterConnected: true,
		Players:             []PlayerState{},
		QuestionIndex:       -1,
		TotalQuestions:      totalQuestions,
		Phase:               PhaseLobby,
		CreatedAt:           now,
	}
}

// Player returns a pointer into the session's player list.
func (s *Session) Player(id string) (*PlayerState, bool) {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i], true
		}
	}
	return nil, false
}

// Frozen reports whether the quizmaster is away and transitions are suspended.
func (s *Session) Frozen() bool {
	return !s.QuizmasterConnected && s.Phase != PhaseFinished
}

// HasMoreQuestions reports whether next would open another window.
func (s *Session) HasMoreQuestions() bool {
	return s.QuestionIndex+1 < s.TotalQuestions
}

// CheckInvariants verifies the structural rules every stored session must satisfy.
func (s *Session) CheckInvariants() error {
	if (s.Deadline != nil) != (s.Phase == PhaseQuestionOpen) {
		return fmt.Errorf("session %s: deadline set=%v in phase %s", s.ID, s.Deadline != nil, s.Phase)
	}
	if s.Phase == PhaseLobby && s.QuestionIndex != -1 {
		return fmt.Errorf("session %s: lobby with question index %d", s.ID, s.QuestionIndex)
	}
	for _, p := range s.Players {
		if p.Score < 0 {
			return fmt.Errorf("session %s: player %s has negative score", s.ID, p.ID)
		}
		if len(p.Answers) > s.QuestionIndex+1 {
			return fmt.Errorf("session %s: player %s has %d answers at index %d", s.ID, p.ID, len(p.Answers), s.QuestionIndex)
		}
		last := -1
		for _, a := range p.Answers {
			if a.QuestionIndex <= last || a.QuestionIndex > s.QuestionIndex {
				return fmt.Errorf("session %s: player %s answer index %d out of order", s.ID, p.ID, a.QuestionIndex)
			}
			last = a.QuestionIndex
		}
	}
	return nil
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Score         int    `json:"score"`
	Connected     bool   `json:"connected"`
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Standing is one row of the final ranked score list.
type Standing struct {
	Rank          int    `json:"rank"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Score         int    `json:"score"`
}

// Result is the immutable record handed to the result sink once a session finishes.
type Result struct {
	SessionID  string     `json:"sessionId"`
	QuizID     string     `json:"quizId"`
	Quizmaster string     `json:"quizmaster"`
	FinishedAt time.Time  `json:"finishedAt"`
	Standings  []Standing `json:"standings"`
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID               string   `json:"id"`
	Prompt           string   `json:"prompt"`
	Options          []Option `json:"options"`
	Points           int      `json:"points"`                     // defaults to 1 if zero
	TimeLimitSeconds int      `json:"timeLimitSeconds,omitempty"` // falls back to the configured window
}

// CorrectOption returns the answer key, or "" when no option is flagged.
func (q Question) CorrectOption() string {
	for _, opt := range q.Options {
		if opt.Correct {
			return opt.ID
		}
	}
	return ""
}

// HasOption reports whether id names one of the question's options.
func (q Question) HasOption(id string) bool {
	for _, opt := range q.Options {
		if opt.ID == id {
			return true
		}
	}
	return false
}

// BasePoints is the value of a correct answer before any speed bonus.
func (q Question) BasePoints() int {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

// Quiz is a collection of questions.
type Quiz struct {
	ID         string     `json:"id"`
	Questions  []Question `json:"questions"`
	SpeedBonus int        `json:"speedBonus,omitempty"` // max bonus for an instant correct answer
}
