package domain

import "errors"

var (
	// ErrUnauthorized is returned when a credential is missing or does not verify.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRoleConflict is returned when a second quizmaster tries to bind to a session.
	ErrRoleConflict = errors.New("quizmaster already bound to session")
	// ErrForbidden is returned when the connection's role may not perform the action.
	ErrForbidden = errors.New("action not allowed for role")
	// ErrInvalidTransition is returned when the action does not fit the current phase.
	ErrInvalidTransition = errors.New("action not valid in current phase")
	// ErrAlreadyAnswered is returned for a second answer to the same question.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrTooLate is returned for an answer that arrives after the window closed.
	ErrTooLate = errors.New("answer window closed")
	// ErrStoreConflict is returned when a versioned write lost a race.
	ErrStoreConflict = errors.New("session changed concurrently")
	// ErrNotBound is returned for session messages from a connection with no binding.
	ErrNotBound = errors.New("connection not bound to a session")
	// ErrBadRequest is returned for malformed or unknown messages.
	ErrBadRequest = errors.New("bad request")
	// ErrSessionNotFound is returned when a quiz session has not been initialized.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in quiz")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question index is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrOptionNotFound indicates a submitted option ID is invalid.
	ErrOptionNotFound = errors.New("option not found")
)

// Wire codes reported in error messages.
const (
	CodeUnauthorized      = "Unauthorized"
	CodeRoleConflict      = "RoleConflict"
	CodeForbidden         = "Forbidden"
	CodeInvalidTransition = "InvalidTransition"
	CodeAlreadyAnswered   = "AlreadyAnswered"
	CodeTooLate           = "TooLate"
	CodeStoreConflict     = "StoreConflict"
	CodeNotBound          = "NotBound"
	CodeBadRequest        = "BadRequest"
	CodeSessionNotFound   = "SessionNotFound"
	CodeQuizNotFound      = "QuizNotFound"
	CodeInternal          = "Internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, CodeUnauthorized},
	{ErrRoleConflict, CodeRoleConflict},
	{ErrForbidden, CodeForbidden},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrAlreadyAnswered, CodeAlreadyAnswered},
	{ErrTooLate, CodeTooLate},
	{ErrStoreConflict, CodeStoreConflict},
	{ErrNotBound, CodeNotBound},
	{ErrBadRequest, CodeBadRequest},
	{ErrQuestionNotFound, CodeBadRequest},
	{ErrOptionNotFound, CodeBadRequest},
	{ErrParticipantNotFound, CodeForbidden},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrQuizNotFound, CodeQuizNotFound},
}

// ErrorCode maps an error to the code sent to clients.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
