package domain

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	MsgCreateSession = "createSession"
	MsgStart         = "start"
	MsgCloseQuestion = "closeQuestion"
	MsgNext          = "next"
	MsgEnd           = "end"
	MsgJoinSession   = "joinSession"
	MsgAnswer        = "answer"
	MsgReconnect     = "reconnect"
)

// Outbound message types.
const (
	MsgSessionCreated        = "sessionCreated"
	MsgJoined                = "joined"
	MsgSessionSnapshot       = "sessionSnapshot"
	MsgPlayerJoined          = "playerJoined"
	MsgPlayerLeft            = "playerLeft"
	MsgQuestionOpened        = "questionOpened"
	MsgQuestionStatus        = "questionStatus"
	MsgAnswerAck             = "answerAck"
	MsgAnswerCount           = "answerCount"
	MsgAnswerResult          = "answerResult"
	MsgQuestionClosedSummary = "questionClosedSummary"
	MsgLeaderboardUpdate     = "leaderboardUpdate"
	MsgSessionPaused         = "sessionPaused"
	MsgSessionResumed        = "sessionResumed"
	MsgSessionFinished       = "sessionFinished"
	MsgError                 = "error"
)

// AckStatus is the outcome reported for an answer.
type AckStatus string

const (
	AckAccepted        AckStatus = "Accepted"
	AckAlreadyAnswered AckStatus = "AlreadyAnswered"
	AckTooLate         AckStatus = "TooLate"
)

// Envelope is the inbound wire frame.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the frame sent to clients.
type Outbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type CreateSessionPayload struct {
	QuizID string `json:"quizId"`
}

type JoinSessionPayload struct {
	DisplayName string `json:"displayName"`
}

type AnswerPayload struct {
	QuestionIndex int    `json:"questionIndex"`
	Choice        string `json:"choice"`
}

type ReconnectPayload struct {
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role,omitempty"`
}

type SessionCreated struct {
	SessionID      string `json:"sessionId"`
	QuizID         string `json:"quizId"`
	TotalQuestions int    `json:"totalQuestions"`
}

type Joined struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
}

// SessionSnapshot is sent on join and reconnect; resumption is snapshot-based, not a replay.
type SessionSnapshot struct {
	Phase          Phase           `json:"phase"`
	QuestionIndex  int             `json:"questionIndex"`
	TotalQuestions int             `json:"totalQuestions"`
	Question       *QuestionOpened `json:"question,omitempty"`
	You            *PlayerState    `json:"you,omitempty"`
	Leaderboard    Leaderboard     `json:"leaderboard"`
	Paused         bool            `json:"paused"`
	Standings      []Standing      `json:"standings,omitempty"`
}

type PlayerJoined struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Players       int    `json:"players"`
	Rejoined      bool   `json:"rejoined"`
}

type PlayerLeft struct {
	ParticipantID string `json:"participantId"`
}

type ChoiceView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type QuestionOpened struct {
	QuestionIndex int          `json:"questionIndex"`
	Prompt        string       `json:"prompt"`
	Choices       []ChoiceView `json:"choices"`
	Deadline      time.Time    `json:"deadline"`
}

type QuestionStatus struct {
	QuestionIndex  int       `json:"questionIndex"`
	TotalQuestions int       `json:"totalQuestions"`
	Deadline       time.Time `json:"deadline"`
	CorrectOption  string    `json:"correctOption"`
}

type AnswerAck struct {
	QuestionIndex int       `json:"questionIndex"`
	Status        AckStatus `json:"status"`
}

type AnswerCount struct {
	QuestionIndex int `json:"questionIndex"`
	Answered      int `json:"answered"`
	Players       int `json:"players"`
}

type AnswerResult struct {
	QuestionIndex int  `json:"questionIndex"`
	Answered      bool `json:"answered"`
	Correct       bool `json:"correct"`
	Awarded       int  `json:"awarded"`
	TotalScore    int  `json:"totalScore"`
}

type PlayerCorrectness struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Answered      bool   `json:"answered"`
	Choice        string `json:"choice,omitempty"`
	Correct       bool   `json:"correct"`
	Awarded       int    `json:"awarded"`
}

type QuestionClosedSummary struct {
	QuestionIndex        int                 `json:"questionIndex"`
	CorrectOption        string              `json:"correctOption"`
	PerPlayerCorrectness []PlayerCorrectness `json:"perPlayerCorrectness"`
}

type SessionFinished struct {
	FinishedAt time.Time  `json:"finishedAt"`
	Standings  []Standing `json:"standings"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
