package app

import (
	"sort"
	"time"

	"live-quiz-service/internal/domain"
)

// speedBonus decreases linearly from maxBonus at window open to zero at the deadline.
func speedBonus(maxBonus int, elapsed, window time.Duration) int {
	if maxBonus <= 0 || window <= 0 || elapsed >= window {
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	bonus := int(int64(maxBonus) * int64(window-elapsed) / int64(window))
	if bonus < 0 {
		return 0
	}
	return bonus
}

// resolveWindow scores every recorded answer for the open question and returns the
// per-player summary in join order. Players that did not answer get no Answer record.
func resolveWindow(session *domain.Session, question domain.Question, maxBonus int) []domain.PlayerCorrectness {
	key := question.CorrectOption()
	var window time.Duration
	if session.OpenedAt != nil && session.Deadline != nil {
		window = session.Deadline.Sub(*session.OpenedAt)
	}

	summary := make([]domain.PlayerCorrectness, 0, len(session.Players))
	for i := range session.Players {
		player := &session.Players[i]
		row := domain.PlayerCorrectness{ParticipantID: player.ID, DisplayName: player.DisplayName}

		answer, ok := player.AnswerFor(session.QuestionIndex)
		if ok && !answer.Resolved {
			answer.Resolved = true
			if session.OpenedAt != nil {
				answer.Elapsed = answer.SubmittedAt.Sub(*session.OpenedAt)
			}
			answer.Correct = key != "" && answer.Choice == key
			if answer.Correct {
				answer.Awarded = question.BasePoints() + speedBonus(maxBonus, answer.Elapsed, window)
			}
			player.Score += answer.Awarded
		}
		if ok {
			row.Answered = true
			row.Choice = answer.Choice
			row.Correct = answer.Correct
			row.Awarded = answer.Awarded
		}
		summary = append(summary, row)
	}
	return summary
}

// rankPlayers orders by score, then players who answered ahead of those who never did,
// then lower cumulative response time, then join order.
func rankPlayers(players []domain.PlayerState) []domain.PlayerState {
	ranked := make([]domain.PlayerState, len(players))
	copy(ranked, players)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ri, rj := ranked[i].Responded(), ranked[j].Responded(); ri != rj {
			return ri
		}
		return ranked[i].ResponseTime() < ranked[j].ResponseTime()
	})
	return ranked
}

func leaderboard(session domain.Session, now time.Time) domain.Leaderboard {
	ranked := rankPlayers(session.Players)
	entries := make([]domain.LeaderboardEntry, 0, len(ranked))
	for _, p := range ranked {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Score:         p.Score,
			Connected:     p.Connected,
		})
	}
	return domain.Leaderboard{SessionID: session.ID, Entries: entries, UpdatedAt: now}
}

func standings(session domain.Session) []domain.Standing {
	ranked := rankPlayers(session.Players)
	out := make([]domain.Standing, 0, len(ranked))
	for i, p := range ranked {
		out = append(out, domain.Standing{
			Rank:          i + 1,
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Score:         p.Score,
		})
	}
	return out
}

func questionView(session domain.Session, question domain.Question) domain.QuestionOpened {
	choices := make([]domain.ChoiceView, 0, len(question.Options))
	for _, opt := range question.Options {
		choices = append(choices, domain.ChoiceView{ID: opt.ID, Text: opt.Text})
	}
	view := domain.QuestionOpened{
		QuestionIndex: session.QuestionIndex,
		Prompt:        question.Prompt,
		Choices:       choices,
	}
	if session.Deadline != nil {
		view.Deadline = *session.Deadline
	}
	return view
}

// snapshot builds the resume view for one participant. participantID may be empty
// for the quizmaster.
func snapshot(session domain.Session, quiz domain.Quiz, participantID string, now time.Time) domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		Phase:          session.Phase,
		QuestionIndex:  session.QuestionIndex,
		TotalQuestions: session.TotalQuestions,
		Leaderboard:    leaderboard(session, now),
		Paused:         session.Frozen(),
	}
	if session.Phase == domain.PhaseQuestionOpen && session.QuestionIndex < len(quiz.Questions) {
		view := questionView(session, quiz.Questions[session.QuestionIndex])
		snap.Question = &view
	}
	if p, ok := session.Player(participantID); ok {
		you := *p
		you.Answers = append([]domain.Answer(nil), p.Answers...)
		snap.You = &you
	}
	if session.Phase == domain.PhaseFinished {
		snap.Standings = standings(session)
	}
	return snap
}
