package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Status は推薦レコードの生成状態
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var (
	// ErrRecordNotFound は推薦レコードが存在しないことを表す
	ErrRecordNotFound = errors.New("recommendation record not found")

	// ErrRecordExists は同じロールマッピングとユーザーのレコードが既に存在することを表す
	ErrRecordExists = errors.New("recommendation record already exists")

	// ErrGenerationInProgress は生成中のレコードを変更しようとしたことを表す
	ErrGenerationInProgress = errors.New("recommendation generation is in progress")

	// ErrCourseNotFound は推薦レコードに指定コースが含まれないことを表す
	ErrCourseNotFound = errors.New("course not found in recommendation")
)

// Record はロールマッピングごとに保存される推薦結果
type Record struct {
	ID            uuid.UUID
	RoleMappingID uuid.UUID
	UserID        uuid.UUID
	Status        Status
	Query         string
	Courses       []RankedRecommendation
	PublicCourses []PublicCourse
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RecordRepository は推薦レコードの永続化を担う
type RecordRepository interface {
	// Create は新しいレコードを保存する。一意制約に反する場合は ErrRecordExists を返す
	Create(ctx context.Context, rec *Record) error

	// GetByRoleMapping はロールマッピングとユーザーに対応するレコードを返す
	GetByRoleMapping(ctx context.Context, roleMappingID, userID uuid.UUID) (*Record, error)

	// Replace は oldID のレコードを削除し rec を保存する（単一トランザクション）
	Replace(ctx context.Context, oldID uuid.UUID, rec *Record) error

	// Complete は生成結果を保存して COMPLETED にする
	// 公開コースはカタログの推薦とは別に保存する
	Complete(ctx context.Context, id uuid.UUID, query string, courses []RankedRecommendation, public []PublicCourse) error

	// Fail はエラーメッセージを保存して FAILED にする
	Fail(ctx context.Context, id uuid.UUID, message string) error

	// UpdateCourses はコース一覧のみを置き換える
	UpdateCourses(ctx context.Context, id uuid.UUID, courses []RankedRecommendation) error

	// Delete はレコードを削除する
	Delete(ctx context.Context, id uuid.UUID) error
}

// Recommender は推薦パイプラインの入口
type Recommender interface {
	Recommend(ctx context.Context, req Request) (*Response, error)
}

var _ Recommender = (*Service)(nil)

// GenerateParams は推薦レコード生成の入力
type GenerateParams struct {
	RoleMappingID uuid.UUID
	UserID        uuid.UUID
	Request       Request
}

// JobService は推薦レコードをバックグラウンドで生成・管理する
type JobService struct {
	recommender Recommender
	repo        RecordRepository
	sem         *semaphore.Weighted
	wg          sync.WaitGroup
	logger      *slog.Logger
	now         func() time.Time
}

type jobOptions struct {
	maxConcurrent int64
	logger        *slog.Logger
	now           func() time.Time
}

// JobOption は JobService 構築時のオプション
type JobOption func(*jobOptions)

// WithMaxConcurrentJobs は同時に実行する生成ジョブ数の上限を設定する
func WithMaxConcurrentJobs(n int) JobOption {
	return func(o *jobOptions) {
		if n > 0 {
			o.maxConcurrent = int64(n)
		}
	}
}

// WithJobLogger はロガーを差し替える
func WithJobLogger(logger *slog.Logger) JobOption {
	return func(o *jobOptions) {
		o.logger = logger
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) JobOption {
	return func(o *jobOptions) {
		o.now = now
	}
}

// NewJobService は新しい JobService を作成する
func NewJobService(recommender Recommender, repo RecordRepository, opts ...JobOption) *JobService {
	options := jobOptions{
		maxConcurrent: 4,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &JobService{
		recommender: recommender,
		repo:        repo,
		sem:         semaphore.NewWeighted(options.maxConcurrent),
		logger:      options.logger,
		now:         options.now,
	}
}

// Generate は推薦レコードの生成を開始する
// 生成中または完了済みのレコードがあればそれを返し、失敗済みのレコードは作り直す
func (s *JobService) Generate(ctx context.Context, params GenerateParams) (*Record, error) {
	if params.Request.QueryText() == "" {
		return nil, fmt.Errorf("%w: role title and competency text are both empty", ErrInvalidInput)
	}

	var replaceID uuid.UUID
	existing, err := s.repo.GetByRoleMapping(ctx, params.RoleMappingID, params.UserID)
	switch {
	case err == nil:
		if existing.Status != StatusFailed {
			return existing, nil
		}
		s.logger.Info("recommendation_record_failed_regenerating",
			slog.String("record_id", existing.ID.String()),
			slog.String("role_mapping_id", params.RoleMappingID.String()))
		replaceID = existing.ID
	case errors.Is(err, ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("failed to load recommendation record: %w", err)
	}

	now := s.now()
	rec := &Record{
		ID:            uuid.New(),
		RoleMappingID: params.RoleMappingID,
		UserID:        params.UserID,
		Status:        StatusInProgress,
		Query:         params.Request.QueryText(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if replaceID != uuid.Nil {
		err = s.repo.Replace(ctx, replaceID, rec)
	} else {
		err = s.repo.Create(ctx, rec)
	}
	lostRace := errors.Is(err, ErrRecordExists) ||
		(replaceID != uuid.Nil && errors.Is(err, ErrRecordNotFound))
	if lostRace {
		// 並行した生成要求が先にレコードを作成または作り直した
		return s.repo.GetByRoleMapping(ctx, params.RoleMappingID, params.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create recommendation record: %w", err)
	}

	s.start(context.WithoutCancel(ctx), rec.ID, params.Request)

	s.logger.Info("recommendation_generation_started",
		slog.String("record_id", rec.ID.String()),
		slog.String("role_mapping_id", params.RoleMappingID.String()))

	return rec, nil
}

func (s *JobService) start(ctx context.Context, id uuid.UUID, req Request) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		s.run(ctx, id, req)
	}()
}

func (s *JobService) run(ctx context.Context, id uuid.UUID, req Request) {
	logger := s.logger.With(slog.String("record_id", id.String()))

	resp, err := s.recommender.Recommend(ctx, req)
	if err != nil {
		logger.Error("recommendation_generation_failed",
			slog.Bool("retryable", IsRetryable(err)),
			slog.String("error", err.Error()))
		if ferr := s.repo.Fail(ctx, id, err.Error()); ferr != nil {
			logger.Error("recommendation_record_update_failed", slog.String("error", ferr.Error()))
		}
		return
	}

	if err := s.repo.Complete(ctx, id, resp.Query, resp.Recommendations, resp.PublicCourses); err != nil {
		logger.Error("recommendation_record_update_failed", slog.String("error", err.Error()))
		return
	}

	logger.Info("recommendation_generation_completed",
		slog.Int("count", len(resp.Recommendations)),
		slog.Int("public_count", len(resp.PublicCourses)),
		slog.Bool("degraded", resp.Degraded))
}

// Get はロールマッピングの推薦レコードを返す
func (s *JobService) Get(ctx context.Context, roleMappingID, userID uuid.UUID) (*Record, error) {
	return s.repo.GetByRoleMapping(ctx, roleMappingID, userID)
}

// Delete は推薦レコードを削除する。生成中は ErrGenerationInProgress を返す
func (s *JobService) Delete(ctx context.Context, roleMappingID, userID uuid.UUID) error {
	rec, err := s.repo.GetByRoleMapping(ctx, roleMappingID, userID)
	if err != nil {
		return err
	}
	if rec.Status == StatusInProgress {
		return ErrGenerationInProgress
	}
	if err := s.repo.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("failed to delete recommendation record: %w", err)
	}
	return nil
}

// RemoveCourse は推薦レコードから1コースを取り除き、残りの順位を振り直す
func (s *JobService) RemoveCourse(ctx context.Context, roleMappingID, userID uuid.UUID, courseID string) (*Record, error) {
	rec, err := s.repo.GetByRoleMapping(ctx, roleMappingID, userID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusInProgress {
		return nil, ErrGenerationInProgress
	}

	idx := slices.IndexFunc(rec.Courses, func(r RankedRecommendation) bool {
		return r.CourseID == courseID
	})
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrCourseNotFound, courseID)
	}

	remaining := Renumber(slices.Delete(slices.Clone(rec.Courses), idx, idx+1), 0)
	if err := s.repo.UpdateCourses(ctx, rec.ID, remaining); err != nil {
		return nil, fmt.Errorf("failed to update recommendation record: %w", err)
	}

	rec.Courses = remaining
	rec.UpdatedAt = s.now()
	return rec, nil
}

// Wait は実行中の生成ジョブがすべて終わるまで待つ
func (s *JobService) Wait() {
	s.wg.Wait()
}
