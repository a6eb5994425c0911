package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

func (c *Coordinator) createSession(ctx context.Context, connID string, identity domain.Identity, sessionID string, raw json.RawMessage) error {
	if !identity.Can(domain.RoleQuizmaster) {
		return fmt.Errorf("%w: createSession requires the quizmaster role", domain.ErrForbidden)
	}
	payload, err := decodePayload[domain.CreateSessionPayload](raw)
	if err != nil {
		return err
	}
	if payload.QuizID == "" {
		return fmt.Errorf("%w: quizId is required", domain.ErrBadRequest)
	}
	quiz, err := c.quizzes.GetQuiz(ctx, payload.QuizID)
	if err != nil {
		return err
	}
	if len(quiz.Questions) == 0 {
		return fmt.Errorf("%w: quiz %s has no questions", domain.ErrQuizNotFound, quiz.ID)
	}

	if _, err := c.registry.Attach(connID, sessionID, domain.RoleQuizmaster, identity.ParticipantID); err != nil {
		return err
	}
	session := domain.NewSession(sessionID, quiz.ID, identity.ParticipantID, len(quiz.Questions), c.clock.Now())
	if _, err := c.store.Create(ctx, session); err != nil {
		c.registry.Detach(connID)
		return err
	}

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", identity.ParticipantID).
		Str("quiz_id", quiz.ID).
		Msg("session created")
	_ = c.registry.SendTo(connID, domain.Outbound{
		Type:      domain.MsgSessionCreated,
		SessionID: sessionID,
		Payload: domain.SessionCreated{
			SessionID:      sessionID,
			QuizID:         quiz.ID,
			TotalQuestions: len(quiz.Questions),
		},
	})
	return nil
}

func (c *Coordinator) joinSession(ctx context.Context, connID string, identity domain.Identity, sessionID string, raw json.RawMessage) error {
	if !identity.Can(domain.RolePlayer) {
		return fmt.Errorf("%w: joinSession requires the player role", domain.ErrForbidden)
	}
	payload, err := decodePayload[domain.JoinSessionPayload](raw)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(payload.DisplayName)
	if name == "" {
		name = identity.DisplayName
	}
	if name == "" {
		return fmt.Errorf("%w: displayName is required", domain.ErrBadRequest)
	}

	current, _, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if current.Phase == domain.PhaseFinished {
		return fmt.Errorf("%w: session already finished", domain.ErrInvalidTransition)
	}
	if current.Quizmaster == identity.ParticipantID {
		return fmt.Errorf("%w: the quizmaster cannot join as a player", domain.ErrForbidden)
	}

	pid := identity.ParticipantID
	if _, err := c.registry.Attach(connID, sessionID, domain.RolePlayer, pid); err != nil {
		return err
	}
	err = c.mutate(ctx, sessionID, func(s *domain.Session, fx *effects) error {
		if s.Phase == domain.PhaseFinished {
			return fmt.Errorf("%w: session already finished", domain.ErrInvalidTransition)
		}
		quiz, err := c.quizzes.GetQuiz(ctx, s.QuizID)
		if err != nil {
			return err
		}
		now := c.clock.Now()
		player, rejoined := s.Player(pid)
		if rejoined {
			player.Connected = true
			player.DisplayName = name
		} else {
			s.Players = append(s.Players, domain.PlayerState{
				ID:          pid,
				DisplayName: name,
				Connected:   true,
				Answers:     []domain.Answer{},
				JoinedAt:    now,
			})
		}

		c.reply(fx, connID, sessionID, domain.MsgJoined, domain.Joined{SessionID: sessionID, ParticipantID: pid, Role: domain.RolePlayer})
		c.reply(fx, connID, sessionID, domain.MsgSessionSnapshot, snapshot(*s, quiz, pid, now))
		c.broadcast(fx, sessionID, AudienceQuizmaster, domain.MsgPlayerJoined, domain.PlayerJoined{
			ParticipantID: pid,
			DisplayName:   name,
			Players:       len(s.Players),
			Rejoined:      rejoined,
		})
		return nil
	})
	if err != nil {
		c.registry.Detach(connID)
		return err
	}
	log.Info().Str("session_id", sessionID).Str("participant_id", pid).Str("connection_id", connID).Msg("player joined")
	return nil
}

func (c *Coordinator) reconnect(ctx context.Context, connID string, identity domain.Identity, sessionID string, raw json.RawMessage) error {
	payload, err := decodePayload[domain.ReconnectPayload](raw)
	if err != nil {
		return err
	}
	pid := payload.ParticipantID
	if pid == "" {
		pid = identity.ParticipantID
	}
	if pid != identity.ParticipantID {
		return fmt.Errorf("%w: credential does not belong to participant %s", domain.ErrForbidden, pid)
	}
	role := payload.Role
	if role == "" {
		role = domain.RolePlayer
	}

	switch role {
	case domain.RoleQuizmaster:
		return c.reconnectQuizmaster(ctx, connID, identity, sessionID)
	case domain.RolePlayer:
		return c.reconnectPlayer(ctx, connID, identity, sessionID)
	default:
		return fmt.Errorf("%w: unknown role %q", domain.ErrBadRequest, role)
	}
}

func (c *Coordinator) reconnectPlayer(ctx context.Context, connID string, identity domain.Identity, sessionID string) error {
	if !identity.Can(domain.RolePlayer) {
		return fmt.Errorf("%w: reconnect requires the player role", domain.ErrForbidden)
	}
	pid := identity.ParticipantID
	current, _, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := current.Player(pid); !ok {
		return domain.ErrParticipantNotFound
	}

	if _, err := c.registry.Attach(connID, sessionID, domain.RolePlayer, pid); err != nil {
		return err
	}
	err = c.mutate(ctx, sessionID, func(s *domain.Session, fx *effects) error {
		quiz, err := c.quizzes.GetQuiz(ctx, s.QuizID)
		if err != nil {
			return err
		}
		player, ok := s.Player(pid)
		if !ok {
			return domain.ErrParticipantNotFound
		}
		player.Connected = true

		c.reply(fx, connID, sessionID, domain.MsgJoined, domain.Joined{SessionID: sessionID, ParticipantID: pid, Role: domain.RolePlayer})
		c.reply(fx, connID, sessionID, domain.MsgSessionSnapshot, snapshot(*s, quiz, pid, c.clock.Now()))
		if s.Phase != domain.PhaseFinished {
			c.broadcast(fx, sessionID, AudienceQuizmaster, domain.MsgPlayerJoined, domain.PlayerJoined{
				ParticipantID: pid,
				DisplayName:   player.DisplayName,
				Players:       len(s.Players),
				Rejoined:      true,
			})
		}
		return nil
	})
	if err != nil {
		c.registry.Detach(connID)
		return err
	}
	log.Info().Str("session_id", sessionID).Str("participant_id", pid).Str("connection_id", connID).Msg("player reconnected")
	return nil
}

func (c *Coordinator) reconnectQuizmaster(ctx context.Context, connID string, identity domain.Identity, sessionID string) error {
	if !identity.Can(domain.RoleQuizmaster) {
		return fmt.Errorf("%w: reconnect requires the quizmaster role", domain.ErrForbidden)
	}
	if c.registry.QuizmasterBound(sessionID) {
		return domain.ErrRoleConflict
	}
	current, _, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if current.Quizmaster != identity.ParticipantID {
		return fmt.Errorf("%w: not the quizmaster of session %s", domain.ErrForbidden, sessionID)
	}

	if _, err := c.registry.Attach(connID, sessionID, domain.RoleQuizmaster, identity.ParticipantID); err != nil {
		return err
	}
	err = c.mutate(ctx, sessionID, func(s *domain.Session, fx *effects) error {
		quiz, err := c.quizzes.GetQuiz(ctx, s.QuizID)
		if err != nil {
			return err
		}
		now := c.clock.Now()
		if s.Phase == domain.PhaseFinished {
			fx.readOnly = true
		} else {
			// The store is shared between processes; a live quizmaster elsewhere wins.
			if s.QuizmasterConnected {
				return domain.ErrRoleConflict
			}
			wasFrozen := s.Frozen()
			s.QuizmasterConnected = true
			s.FrozenAt = nil
			fx.then(func() {
				c.timers.Cancel(sessionID, timerGrace)
				c.timers.Cancel(sessionID, timerFreeze)
			})

			if s.Phase == domain.PhaseQuestionOpen {
				if !now.Before(*s.Deadline) {
					c.closeWindow(s, quiz, fx)
				} else {
					idx, remaining := s.QuestionIndex, s.Deadline.Sub(now)
					fx.then(func() { c.timers.Arm(sessionID, timerDeadline, idx, remaining) })
				}
			}
			if wasFrozen {
				c.broadcast(fx, sessionID, AudiencePlayers, domain.MsgSessionResumed, struct{}{})
			}
		}

		c.reply(fx, connID, sessionID, domain.MsgJoined, domain.Joined{SessionID: sessionID, ParticipantID: identity.ParticipantID, Role: domain.RoleQuizmaster})
		c.reply(fx, connID, sessionID, domain.MsgSessionSnapshot, snapshot(*s, quiz, "", now))
		return nil
	})
	if err != nil {
		c.registry.Detach(connID)
		return err
	}
	log.Info().Str("session_id", sessionID).Str("connection_id", connID).Msg("quizmaster reattached")
	return nil
}

func requireQuizmaster(binding Binding) error {
	if binding.Role != domain.RoleQuizmaster {
		return fmt.Errorf("%w: only the quizmaster controls the session", domain.ErrForbidden)
	}
	return nil
}

func (c *Coordinator) start(ctx context.Context, binding Binding) error {
	if err := requireQuizmaster(binding); err != nil {
		return err
	}
	return c.mutate(ctx, binding.SessionID, func(s *domain.Session, fx *effects) error {
		if s.Phase != domain.PhaseLobby {
			return fmt.Errorf("%w: start from %s", domain.ErrInvalidTransition, s.Phase)
		}
		if len(s.Players) == 0 {
			return fmt.Errorf("%w: no players have joined", domain.ErrInvalidTransition)
		}
		quiz, err := c.quizzes.GetQuiz(ctx, s.QuizID)
		if err != nil {
			return err
		}
		return c.openWindow(s, quiz, 0, fx)
	})
}

func (c *Coordinator) closeQuestion(ctx context.Context, binding Binding) error {
	if err := requireQuizmaster(binding); err != nil {
		return err
	}
	return c.mutate(ctx, binding.SessionID, func(s *domain.Session, fx *effects) error {
		if s.Phase != domain.PhaseQuestionOpen {
			return fmt.Errorf("%w: closeQuestion from %s", domain.ErrInvalidTransition, s.Phase)
		}
		quiz, err := c.quizzes.GetQuiz(ctx, s.QuizID)
		if err != nil {
			return err
		}
		c.closeWindow(s, quiz, fx)
		return nil
	})
}

func (c *Coordinator) next(ctx context.Context, binding Binding) error {
	if err := requireQuizmaster(binding); err != nil {
		return err
	}
	return c.mutate(ctx, binding.SessionID, func(s *domain.Session, fx *effects) error {
		if s.Phase != domain.PhaseQuestionClosed {
			return fmt.Errorf("%w: next from %s", domain.ErrInvalidTransition, s.Phase)
		}
		if !s.HasMoreQuestions() {
			c.finish(s, fx, "last question played")
			return nil
		}
		quiz, err := c.quizzes.GetQuiz(ctx, s.QuizID)
		if err != nil {
			return err
		}
		return c.openWindow(s, quiz, s.QuestionIndex+1, fx)
	})
}

func (c *Coordinator) end(ctx context.Context, binding Binding) error {
	if err := requireQuizmaster(binding); err != nil {
		return err
	}
	return c.mutate(ctx, binding.SessionID, func(s *domain.Session, fx *effects) error {
		if s.Phase == domain.PhaseFinished {
			return fmt.Errorf("%w: session already finished", domain.ErrInvalidTransition)
		}
		if s.Phase == domain.PhaseQuestionOpen {
			quiz, err := c.quizzes.GetQuiz(ctx, s.QuizID)
			if err != nil {
				return err
			}
			c.closeWindow(s, quiz, fx)
		}
		c.finish(s, fx, "ended by quizmaster")
		return nil
	})
}

func (c *Coordinator) answer(ctx context.Context, binding Binding, raw json.RawMessage) error {
	if binding.Role != domain.RolePlayer {
		return fmt.Errorf("%w: only players answer", domain.ErrForbidden)
	}
	payload, err := decodePayload[domain.AnswerPayload](raw)
	if err != nil {
		return err
	}
	sessionID, pid, connID := binding.SessionID, binding.ParticipantID, binding.ConnectionID

	return c.mutate(ctx, sessionID, func(s *domain.Session, fx *effects) error {
		now := c.clock.Now()
		player, ok := s.Player(pid)
		if !ok {
			return domain.ErrParticipantNotFound
		}
		idx := payload.QuestionIndex
		if idx < 0 || idx >= s.TotalQuestions {
			return fmt.Errorf("%w: question index %d", domain.ErrQuestionNotFound, idx)
		}
		if s.Phase == domain.PhaseLobby || idx > s.QuestionIndex {
			return fmt.Errorf("%w: question %d is not open", domain.ErrInvalidTransition, idx)
		}

		ack := func(status domain.AckStatus) {
			c.reply(fx, connID, sessionID, domain.MsgAnswerAck, domain.AnswerAck{QuestionIndex: idx, Status: status})
		}
		if _, answered := player.AnswerFor(idx); answered {
			fx.readOnly = true
			ack(domain.AckAlreadyAnswered)
			return nil
		}
		if idx < s.QuestionIndex || s.Phase != domain.PhaseQuestionOpen || !now.Before(*s.Deadline) {
			fx.readOnly = true
			log.Info().
				Str("session_id", sessionID).
				Str("participant_id", pid).
				Int("question_index", idx).
				Str("phase", string(s.Phase)).
				Msg("late answer dropped")
			ack(domain.AckTooLate)
			return nil
		}

		quiz, err := c.quizzes.GetQuiz(ctx, s.QuizID)
		if err != nil {
			return err
		}
		if !quiz.Questions[idx].HasOption(payload.Choice) {
			return fmt.Errorf("%w: %q", domain.ErrOptionNotFound, payload.Choice)
		}

		player.Answers = append(player.Answers, domain.Answer{
			QuestionIndex: idx,
			Choice:        payload.Choice,
			SubmittedAt:   now,
		})
		ack(domain.AckAccepted)

		answered := 0
		for i := range s.Players {
			if _, ok := s.Players[i].AnswerFor(idx); ok {
				answered++
			}
		}
		c.broadcast(fx, sessionID, AudienceQuizmaster, domain.MsgAnswerCount, domain.AnswerCount{
			QuestionIndex: idx,
			Answered:      answered,
			Players:       len(s.Players),
		})
		return nil
	})
}

func (c *Coordinator) detach(ctx context.Context, connID string) error {
	binding, ok := c.registry.Unregister(connID)
	if !ok {
		return nil
	}
	sessionID := binding.SessionID
	err := c.mutate(ctx, sessionID, func(s *domain.Session, fx *effects) error {
		if binding.Role == domain.RolePlayer {
			player, ok := s.Player(binding.ParticipantID)
			if !ok || !player.Connected {
				fx.readOnly = true
				return nil
			}
			player.Connected = false
			c.broadcast(fx, sessionID, AudienceQuizmaster, domain.MsgPlayerLeft, domain.PlayerLeft{ParticipantID: player.ID})
			return nil
		}

		c.freeze(s, fx)
		return nil
	})
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil && binding.Role == domain.RoleQuizmaster {
		// The binding is already gone; keep trying until the store reflects it.
		log.Warn().Err(err).Str("session_id", sessionID).Msg("quizmaster detach not stored, retrying freeze")
		c.timers.Arm(sessionID, timerFreeze, 0, deadlineRetryDelay)
	}
	return err
}

// freeze records a quizmaster loss and starts the grace period.
func (c *Coordinator) freeze(s *domain.Session, fx *effects) {
	if s.Phase == domain.PhaseFinished || !s.QuizmasterConnected {
		fx.readOnly = true
		return
	}
	now := c.clock.Now()
	s.QuizmasterConnected = false
	s.FrozenAt = &now
	sessionID := s.ID
	grace, idx := c.settings.GracePeriod, s.QuestionIndex
	fx.then(func() {
		c.timers.Cancel(sessionID, timerDeadline)
		c.timers.Arm(sessionID, timerGrace, idx, grace)
	})
	c.broadcast(fx, sessionID, AudiencePlayers, domain.MsgSessionPaused, struct{}{})
	log.Info().Str("session_id", sessionID).Str("phase", string(s.Phase)).Dur("grace", grace).Msg("quizmaster detached, session frozen")
}

func (c *Coordinator) handleTimer(ctx context.Context, ev TimerEvent) error {
	switch ev.Kind {
	case timerDeadline:
		return c.mutate(ctx, ev.SessionID, func(s *domain.Session, fx *effects) error {
			if s.Phase != domain.PhaseQuestionOpen || s.QuestionIndex != ev.QuestionIndex || s.Frozen() {
				fx.readOnly = true
				log.Debug().Str("session_id", ev.SessionID).Int("question_index", ev.QuestionIndex).Str("phase", string(s.Phase)).Msg("stale deadline ignored")
				return nil
			}
			if c.clock.Now().Before(*s.Deadline) {
				fx.readOnly = true
				return nil
			}
			quiz, err := c.quizzes.GetQuiz(ctx, s.QuizID)
			if err != nil {
				return err
			}
			c.closeWindow(s, quiz, fx)
			return nil
		})
	case timerGrace:
		return c.mutate(ctx, ev.SessionID, func(s *domain.Session, fx *effects) error {
			if !s.Frozen() {
				fx.readOnly = true
				return nil
			}
			c.finish(s, fx, "quizmaster grace period elapsed")
			return nil
		})
	case timerEviction:
		return c.evict(ctx, ev.SessionID)
	case timerFreeze:
		if c.registry.QuizmasterBound(ev.SessionID) {
			return nil
		}
		err := c.mutate(ctx, ev.SessionID, func(s *domain.Session, fx *effects) error {
			c.freeze(s, fx)
			return nil
		})
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Coordinator) evict(ctx context.Context, sessionID string) error {
	session, _, err := c.store.Load(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseFinished {
		return nil
	}
	if err := c.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	dropped := c.registry.DropSession(sessionID)
	c.timers.CancelSession(sessionID)
	log.Info().Str("session_id", sessionID).Int("bindings", dropped).Msg("session evicted")
	return nil
}

// openWindow moves the session into QuestionOpen for question idx.
func (c *Coordinator) openWindow(s *domain.Session, quiz domain.Quiz, idx int, fx *effects) error {
	if idx >= len(quiz.Questions) {
		return fmt.Errorf("%w: question index %d", domain.ErrQuestionNotFound, idx)
	}
	question := quiz.Questions[idx]
	window := c.settings.QuestionDuration
	if question.TimeLimitSeconds > 0 {
		window = time.Duration(question.TimeLimitSeconds) * time.Second
	}
	now := c.clock.Now()
	deadline := now.Add(window)

	s.QuestionIndex = idx
	s.Phase = domain.PhaseQuestionOpen
	s.OpenedAt = &now
	s.Deadline = &deadline

	sessionID := s.ID
	c.broadcast(fx, sessionID, AudiencePlayers, domain.MsgQuestionOpened, questionView(*s, question))
	c.broadcast(fx, sessionID, AudienceQuizmaster, domain.MsgQuestionStatus, domain.QuestionStatus{
		QuestionIndex:  idx,
		TotalQuestions: s.TotalQuestions,
		Deadline:       deadline,
		CorrectOption:  question.CorrectOption(),
	})
	fx.then(func() { c.timers.Arm(sessionID, timerDeadline, idx, window) })
	log.Info().Str("session_id", sessionID).Int("question_index", idx).Time("deadline", deadline).Msg("question opened")
	return nil
}

// closeWindow scores the open question and moves to QuestionClosed.
func (c *Coordinator) closeWindow(s *domain.Session, quiz domain.Quiz, fx *effects) {
	idx := s.QuestionIndex
	question := quiz.Questions[idx]
	maxBonus := c.settings.SpeedBonus
	if quiz.SpeedBonus > 0 {
		maxBonus = quiz.SpeedBonus
	}
	summary := resolveWindow(s, question, maxBonus)

	s.Phase = domain.PhaseQuestionClosed
	s.Deadline = nil
	s.OpenedAt = nil

	sessionID := s.ID
	fx.then(func() { c.timers.Cancel(sessionID, timerDeadline) })
	c.broadcast(fx, sessionID, AudienceQuizmaster, domain.MsgQuestionClosedSummary, domain.QuestionClosedSummary{
		QuestionIndex:        idx,
		CorrectOption:        question.CorrectOption(),
		PerPlayerCorrectness: summary,
	})
	for i, row := range summary {
		c.broadcast(fx, sessionID, AudienceParticipant(row.ParticipantID), domain.MsgAnswerResult, domain.AnswerResult{
			QuestionIndex: idx,
			Answered:      row.Answered,
			Correct:       row.Correct,
			Awarded:       row.Awarded,
			TotalScore:    s.Players[i].Score,
		})
	}
	c.broadcast(fx, sessionID, AudienceAll, domain.MsgLeaderboardUpdate, leaderboard(*s, c.clock.Now()))
	log.Info().Str("session_id", sessionID).Int("question_index", idx).Msg("question closed")
}

// finish finalizes standings. The result is handed to the sink once, after commit
// and outside the session lock.
func (c *Coordinator) finish(s *domain.Session, fx *effects, reason string) {
	now := c.clock.Now()
	s.Phase = domain.PhaseFinished
	s.Deadline = nil
	s.OpenedAt = nil
	s.FinishedAt = &now

	final := standings(*s)
	result := domain.Result{
		SessionID:  s.ID,
		QuizID:     s.QuizID,
		Quizmaster: s.Quizmaster,
		FinishedAt: now,
		Standings:  final,
	}
	sessionID := s.ID
	c.broadcast(fx, sessionID, AudienceAll, domain.MsgSessionFinished, domain.SessionFinished{FinishedAt: now, Standings: final})
	fx.then(func() {
		c.timers.Cancel(sessionID, timerDeadline)
		c.timers.Cancel(sessionID, timerGrace)
		c.timers.Cancel(sessionID, timerFreeze)
		c.timers.Arm(sessionID, timerEviction, 0, c.settings.Retention)
	})
	fx.afterUnlock(func() { c.emitResult(result) })
	log.Info().Str("session_id", sessionID).Str("reason", reason).Int("players", len(final)).Msg("session finished")
}

func (c *Coordinator) emitResult(result domain.Result) {
	if c.results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resultTimeout)
	defer cancel()
	if err := c.results.SaveResult(ctx, result); err != nil {
		log.Error().Err(err).Str("session_id", result.SessionID).Msg("result sink failed")
	}
}
