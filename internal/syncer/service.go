// Package syncer はCanvasの課題をGoogle Calendarへ写す同期処理を提供する。
//
// 1回の同期は次の順に進む。
//   - 両プロバイダーのトークンが揃っているかを確認する（通信なし）
//   - Canvasから全課題を取得する（失敗したら打ち切る）
//   - 課題ごとにイベントを1件ずつ登録する（失敗しても残りを続ける）
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/duesync/internal/model"
)

// 同期結果の分類。メトリクスのラベルに使う。
const (
	OutcomeSuccess      = "success"
	OutcomePartial      = "partial"
	OutcomePrecondition = "precondition_failed"
	OutcomeFetchFailed  = "fetch_failed"
)

// AssignmentFetcher は学習プラットフォームから課題を取得するインターフェース。
type AssignmentFetcher interface {
	FetchAllAssignments(ctx context.Context, token *model.OAuthToken) ([]model.Assignment, []*model.CourseError, error)
}

// EventPublisher は課題をカレンダーイベントとして登録するインターフェース。
// Openは同期1回につき1回だけ呼ばれ、返された関数を全課題の登録に使い回す。
type EventPublisher interface {
	Open(ctx context.Context, token *model.OAuthToken) (func(ctx context.Context, a model.Assignment) error, error)
}

// Recorder は同期のメトリクスを記録するインターフェース。
type Recorder interface {
	RecordSyncRun(outcome string, duration time.Duration)
	RecordFetchFailure(stage string)
	RecordEvents(published, failed, skipped int)
}

// Result は1回の同期の結果。
// Assignmentsには登録の成否にかかわらず取得した全課題が取得順に入る。
type Result struct {
	RunID        string
	Assignments  []model.Assignment
	Attempted    int
	Published    int
	Failed       int
	Skipped      int
	CourseErrors []*model.CourseError
}

// Service は同期処理を実行する。
type Service struct {
	fetcher   AssignmentFetcher
	publisher EventPublisher
	recorder  Recorder
	logger    *slog.Logger
	newRunID  func() string
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(fetcher AssignmentFetcher, publisher EventPublisher, recorder Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fetcher:   fetcher,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
		newRunID:  uuid.NewString,
	}
}

// Run はセッションのトークンを使って1回の同期を実行する。
//
// トークンが揃っていなければ通信せずに*model.PreconditionErrorを返す。
// 課題の取得に失敗した場合は*model.FetchErrorを返し、イベントは1件も登録しない。
// イベント登録の失敗は件数として結果に集計し、エラーとしては返さない。
func (s *Service) Run(ctx context.Context, sess *model.Session) (*Result, error) {
	start := time.Now()

	if sess == nil {
		s.recordRun(OutcomePrecondition, start)
		return nil, &model.PreconditionError{Missing: model.Providers()}
	}
	if missing := sess.Missing(); len(missing) > 0 {
		s.recordRun(OutcomePrecondition, start)
		return nil, &model.PreconditionError{Missing: missing}
	}

	runID := s.newRunID()
	logger := s.logger.With(
		slog.String("run_id", runID),
		slog.String("session", sess.LogID()),
	)
	logger.Info("sync started")

	assignments, courseErrs, err := s.fetcher.FetchAllAssignments(ctx, sess.LearningToken)
	if err != nil {
		stage := "unknown"
		var fetchErr *model.FetchError
		if errors.As(err, &fetchErr) {
			stage = string(fetchErr.Stage)
		}
		if s.recorder != nil {
			s.recorder.RecordFetchFailure(stage)
		}
		s.recordRun(OutcomeFetchFailed, start)
		logger.Error("sync aborted: fetch failed",
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	result := &Result{
		RunID:        runID,
		Assignments:  assignments,
		CourseErrors: courseErrs,
	}

	var publish func(context.Context, model.Assignment) error
	if len(assignments) > 0 {
		publish, err = s.publisher.Open(ctx, sess.CalendarToken)
		if err != nil {
			// 開けなかった場合も課題ごとの失敗として数える
			logger.Error("calendar open failed", slog.String("error", err.Error()))
			openErr := err
			publish = func(_ context.Context, a model.Assignment) error {
				return &model.WriteError{Assignment: a.Name, Cause: openErr}
			}
		}
	}

	// 書き込みは逐次。1件の失敗で残りを止めない
	for _, a := range assignments {
		result.Attempted++
		err := publish(ctx, a)
		switch {
		case err == nil:
			result.Published++
		case errors.Is(err, model.ErrNoDueDate):
			result.Skipped++
			logger.Debug("assignment skipped: no due date",
				slog.String("assignment_id", string(a.ID)),
			)
		default:
			result.Failed++
			logger.Warn("event publish failed",
				slog.String("assignment_id", string(a.ID)),
				slog.String("course_id", string(a.CourseID)),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.recorder != nil {
		s.recorder.RecordEvents(result.Published, result.Failed, result.Skipped)
	}

	outcome := OutcomeSuccess
	if result.Failed > 0 || len(result.CourseErrors) > 0 {
		outcome = OutcomePartial
	}
	s.recordRun(outcome, start)

	logger.Info("sync completed",
		slog.String("outcome", outcome),
		slog.Int("assignments", len(result.Assignments)),
		slog.Int("attempted", result.Attempted),
		slog.Int("published", result.Published),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Int("skipped_courses", len(result.CourseErrors)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

func (s *Service) recordRun(outcome string, start time.Time) {
	if s.recorder != nil {
		s.recorder.RecordSyncRun(outcome, time.Since(start))
	}
}
