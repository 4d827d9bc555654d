package recommend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config は推薦パイプラインの実行パラメータ
type Config struct {
	// MaxTopK は1リクエストで要求できる件数の上限
	MaxTopK int

	// Timeout は EMBEDDING から RERANKING までの時間予算
	Timeout time.Duration

	// RerankEnabled は生成モデルによる再ランキングを行うか
	RerankEnabled bool

	// RerankTimeout は再ランキング単体の時間予算（全体予算の範囲内で適用）
	RerankTimeout time.Duration

	// CacheTTL は応答キャッシュの有効期間
	CacheTTL time.Duration

	// QueryTimeout は検索クエリ生成の時間予算（全体予算の範囲内で適用）
	QueryTimeout time.Duration

	// PublicTimeout は公開コース取得の時間予算
	PublicTimeout time.Duration
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{
		MaxTopK:       100,
		Timeout:       8 * time.Second,
		RerankEnabled: true,
		RerankTimeout: 5 * time.Second,
		CacheTTL:      10 * time.Minute,
		QueryTimeout:  3 * time.Second,
		PublicTimeout: 5 * time.Second,
	}
}

// Service は推薦リクエストを受け取り、検索・補完・再ランキングを調停する
type Service struct {
	embedder Embedder
	store    VectorStore
	metadata MetadataStore
	reranker Reranker
	writer   QueryWriter
	enricher Enricher
	cache    Cache
	observer Observer
	cfg      Config
	logger   *slog.Logger
}

type serviceOptions struct {
	cfg      Config
	reranker Reranker
	writer   QueryWriter
	enricher Enricher
	cache    Cache
	observer Observer
	logger   *slog.Logger
}

// ServiceOption は Service 構築時のオプション
type ServiceOption func(*serviceOptions)

// WithConfig は実行パラメータを上書きする
func WithConfig(cfg Config) ServiceOption {
	return func(o *serviceOptions) {
		o.cfg = cfg
	}
}

// WithReranker は再ランキング実装を設定する
func WithReranker(r Reranker) ServiceOption {
	return func(o *serviceOptions) {
		o.reranker = r
	}
}

// WithQueryWriter は Embedding 前に検索クエリを書き換える実装を設定する
func WithQueryWriter(w QueryWriter) ServiceOption {
	return func(o *serviceOptions) {
		o.writer = w
	}
}

// WithEnricher は公開コースを取得する実装を設定する
func WithEnricher(e Enricher) ServiceOption {
	return func(o *serviceOptions) {
		o.enricher = e
	}
}

// WithCache は応答キャッシュを設定する
func WithCache(c Cache) ServiceOption {
	return func(o *serviceOptions) {
		o.cache = c
	}
}

// WithObserver は計測の受け口を設定する
func WithObserver(obs Observer) ServiceOption {
	return func(o *serviceOptions) {
		o.observer = obs
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// NewService は新しい Service を作成する
func NewService(embedder Embedder, store VectorStore, metadata MetadataStore, opts ...ServiceOption) *Service {
	options := serviceOptions{
		cfg:      DefaultConfig(),
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.observer == nil {
		options.observer = nopObserver{}
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &Service{
		embedder: embedder,
		store:    store,
		metadata: metadata,
		reranker: options.reranker,
		writer:   options.writer,
		enricher: options.enricher,
		cache:    options.cache,
		observer: options.observer,
		cfg:      options.cfg,
		logger:   options.logger,
	}
}

// stageResult は最終ステージまでに得られた結果
type stageResult struct {
	ranked         []RankedRecommendation
	reranked       bool
	degraded       bool
	retrievalQuery string
	public         []PublicCourse
}

// Recommend は推薦リクエストを処理し、順位付きのコース一覧を返す
func (s *Service) Recommend(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	m := newMachine()
	logger := s.logger.With(
		slog.String("role_title", req.RoleTitle),
		slog.String("organization_id", req.OrganizationID),
	)

	// RECEIVED: 検証と正規化
	query, filters, err := req.validate(s.cfg.MaxTopK)
	if err != nil {
		return nil, s.fail(logger, m, start, err)
	}

	rerank := s.rerankEnabled(req)
	key := CacheKey(query, filters, req.TopK, rerank)
	if cached, ok := s.cacheGet(key); ok {
		m.fire(EdgeCacheHit)
		s.observer.ObserveResult(StateDone, time.Since(start))
		logger.Debug("recommendation_cache_hit", slog.Int("count", len(cached)))
		return &Response{
			Query:           query,
			Recommendations: cached,
			Reranked:        rerank && len(cached) > 0,
			PublicCourses:   s.startPublicLookup(ctx, logger, req, query).wait(),
			CacheHit:        true,
			Trace:           m.history(),
		}, nil
	}

	m.fire(EdgeAccepted)
	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	// EMBEDDING: クエリ生成が失敗した場合は正規化済みクエリをそのまま使う
	stageStart := time.Now()
	retrievalQuery := s.writeQuery(budgetCtx, logger, query)
	vector, err := s.embedder.Embed(budgetCtx, retrievalQuery)
	s.observer.ObserveStage(StateEmbedding, time.Since(stageStart))
	if err == nil && len(vector) == 0 {
		err = fmt.Errorf("%w: embedder returned an empty vector", ErrEmbeddingUnavailable)
	}
	if err != nil {
		return nil, s.fail(logger, m, start, stageError(ctx, budgetCtx, StateEmbedding, err, ErrEmbeddingUnavailable))
	}
	embedding := QueryEmbedding{Vector: vector, SourceHash: TextHash(retrievalQuery), GeneratedAt: time.Now()}
	m.fire(EdgeEmbedded)

	// RETRIEVING
	stageStart = time.Now()
	candidates, err := s.store.Search(budgetCtx, embedding.Vector, req.TopK, filters)
	s.observer.ObserveStage(StateRetrieving, time.Since(stageStart))
	if err != nil {
		return nil, s.fail(logger, m, start, stageError(ctx, budgetCtx, StateRetrieving, err, ErrRetrievalUnavailable))
	}
	candidates = orderCandidates(candidates, req.TopK)

	// 公開コースの取得は HYDRATING 以降と並行して進め、応答の直前に合流する
	public := s.startPublicLookup(budgetCtx, logger, req, query)
	defer public.stop()
	done := func(result stageResult) *Response {
		result.retrievalQuery = retrievalQuery
		result.public = public.wait()
		return s.finish(logger, m, start, key, query, req.TopK, result)
	}

	if len(candidates) == 0 {
		m.fire(EdgeNoCandidates)
		return done(stageResult{}), nil
	}
	m.fire(EdgeRetrieved)

	// HYDRATING
	stageStart = time.Now()
	hydrated, err := s.hydrate(budgetCtx, logger, candidates)
	s.observer.ObserveStage(StateHydrating, time.Since(stageStart))
	if err != nil {
		return nil, s.fail(logger, m, start, stageError(ctx, budgetCtx, StateHydrating, err, ErrRetrievalUnavailable))
	}
	if len(hydrated) == 0 {
		m.fire(EdgeNothingHydrated)
		return done(stageResult{}), nil
	}

	result := stageResult{ranked: similarityOrder(hydrated)}
	if !rerank {
		m.fire(EdgeRerankSkipped)
		s.observer.ObserveRerank(RerankSkipped)
		return done(result), nil
	}

	// RERANKING: 失敗しても類似度順で応答する
	m.fire(EdgeRerankStarted)
	stageStart = time.Now()
	reranked, err := s.rerank(budgetCtx, query, hydrated)
	s.observer.ObserveStage(StateReranking, time.Since(stageStart))
	if err != nil {
		logger.Warn("reranking_failed_using_similarity_order",
			slog.String("error", err.Error()),
			slog.Int("candidate_count", len(hydrated)),
			slog.Int64("duration_ms", time.Since(stageStart).Milliseconds()))
		m.fire(EdgeRerankFallback)
		s.observer.ObserveRerank(RerankFallback)
		result.degraded = true
		return done(result), nil
	}

	m.fire(EdgeReranked)
	s.observer.ObserveRerank(RerankSuccess)
	result.ranked = reranked
	result.reranked = true
	return done(result), nil
}

// writeQuery は検索用クエリを生成する。未設定・失敗・空の結果では query を返す
func (s *Service) writeQuery(ctx context.Context, logger *slog.Logger, query string) string {
	if s.writer == nil {
		return query
	}
	writeCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.QueryTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
	}
	defer cancel()

	written, err := s.writer.WriteQuery(writeCtx, query)
	if err == nil && NormalizeText(written) == "" {
		err = errors.New("query writer returned empty text")
	}
	if err != nil {
		logger.Warn("query_synthesis_failed_using_role_query", slog.String("error", err.Error()))
		return query
	}
	return written
}

// publicLookup はバックグラウンドで進む公開コースの取得
type publicLookup struct {
	g       errgroup.Group
	cancel  context.CancelFunc
	courses []PublicCourse
}

// startPublicLookup は公開コースの取得を開始する
// 取得の失敗は記録するだけで推薦結果には影響しない
func (s *Service) startPublicLookup(ctx context.Context, logger *slog.Logger, req Request, query string) *publicLookup {
	l := &publicLookup{cancel: func() {}}
	if s.enricher == nil || !req.IncludePublic {
		return l
	}

	timeout := s.cfg.PublicTimeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	l.cancel = cancel
	l.g.Go(func() error {
		courses, err := s.enricher.PublicCourses(lookupCtx, query)
		if err != nil {
			logger.Warn("public_course_lookup_failed", slog.String("error", err.Error()))
			return nil
		}
		l.courses = courses
		return nil
	})
	return l
}

// wait は取得の完了を待って結果を返す
func (l *publicLookup) wait() []PublicCourse {
	_ = l.g.Wait()
	l.cancel()
	return l.courses
}

// stop は取得を取り消して終了を待つ
func (l *publicLookup) stop() {
	l.cancel()
	_ = l.g.Wait()
}

func (s *Service) rerankEnabled(req Request) bool {
	return s.cfg.RerankEnabled && s.reranker != nil && !req.SkipRerank
}

func (s *Service) cacheGet(key string) ([]RankedRecommendation, bool) {
	if s.cache == nil {
		return nil, false
	}
	value, ok := s.cache.Get(key)
	s.observer.ObserveCache(ok)
	if !ok {
		return nil, false
	}
	return CloneRecommendations(value), true
}

// hydrate は候補にメタデータを付与し、解決できなかった候補を除外する
func (s *Service) hydrate(ctx context.Context, logger *slog.Logger, candidates []CourseCandidate) ([]CourseCandidate, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.CourseID
	}

	metadata, err := s.metadata.Hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}

	hydrated := make([]CourseCandidate, 0, len(candidates))
	var missing []string
	for _, c := range candidates {
		meta, ok := metadata[c.CourseID]
		if !ok {
			missing = append(missing, c.CourseID)
			continue
		}
		c.Metadata = meta
		hydrated = append(hydrated, c)
	}

	if len(missing) > 0 {
		logger.Warn("course_metadata_missing_dropping_candidates",
			slog.Int("missing_count", len(missing)),
			slog.Any("course_ids", missing))
	}

	return hydrated, nil
}

// rerank は再ランキングを実行し、結果を候補集合と突き合わせる
// 時間予算が尽きた場合はコンテキストを取り消して呼び出し元に制御を戻す
func (s *Service) rerank(ctx context.Context, query string, candidates []CourseCandidate) ([]RankedRecommendation, error) {
	rerankCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.RerankTimeout > 0 {
		rerankCtx, cancel = context.WithTimeout(ctx, s.cfg.RerankTimeout)
	}
	defer cancel()

	type rerankResult struct {
		ranked []RankedRecommendation
		err    error
	}
	done := make(chan rerankResult, 1)
	go func() {
		ranked, err := s.reranker.Rerank(rerankCtx, query, candidates)
		done <- rerankResult{ranked: ranked, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return mergeReranked(res.ranked, candidates)
	case <-rerankCtx.Done():
		return nil, fmt.Errorf("reranker did not finish in time: %w", rerankCtx.Err())
	}
}

func (s *Service) finish(logger *slog.Logger, m *machine, start time.Time, key, query string, topK int, result stageResult) *Response {
	final := Renumber(result.ranked, topK)
	if err := ValidateRanks(final); err != nil {
		// Renumber 後に崩れることはない
		logger.Error("rank_invariant_violated", slog.String("error", err.Error()))
	}

	if s.cache != nil && !result.degraded {
		if err := s.cache.Put(key, CloneRecommendations(final), s.cfg.CacheTTL); err != nil {
			logger.Warn("recommendation_cache_put_failed", slog.String("error", err.Error()))
		}
	}

	elapsed := time.Since(start)
	s.observer.ObserveResult(StateDone, elapsed)
	logger.Info("recommendation_completed",
		slog.Int("count", len(final)),
		slog.Bool("reranked", result.reranked),
		slog.Bool("degraded", result.degraded),
		slog.Int("public_count", len(result.public)),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()))

	return &Response{
		Query:           query,
		Recommendations: final,
		RetrievalQuery:  result.retrievalQuery,
		PublicCourses:   result.public,
		Reranked:        result.reranked,
		Degraded:        result.degraded,
		Trace:           m.history(),
	}
}

func (s *Service) fail(logger *slog.Logger, m *machine, start time.Time, err error) error {
	failedAt := m.state
	m.fire(EdgeFailed)
	s.observer.ObserveResult(StateFailed, time.Since(start))

	level := slog.LevelError
	if errors.Is(err, ErrInvalidInput) {
		level = slog.LevelInfo
	}
	logger.Log(context.Background(), level, "recommendation_failed",
		slog.String("state", string(failedAt)),
		slog.Bool("retryable", IsRetryable(err)),
		slog.String("error", err.Error()))

	return err
}

// stageError は必須ステージのエラーを分類する
// 全体予算の超過は ErrTimeout、呼び出し元の取り消しはそのまま返す
func stageError(parent, budget context.Context, state State, err error, sentinel error) error {
	if errors.Is(err, ErrInvalidInput) {
		return err
	}
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("recommendation cancelled during %s: %w", state, parent.Err())
	}
	if errors.Is(budget.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w during %s: %w", ErrTimeout, state, err)
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// orderCandidates は重複を除き、類似度降順・コースID昇順に並べて topK 件に切り詰める
func orderCandidates(candidates []CourseCandidate, topK int) []CourseCandidate {
	seen := make(map[string]struct{}, len(candidates))
	ordered := make([]CourseCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.CourseID == "" {
			continue
		}
		if _, ok := seen[c.CourseID]; ok {
			continue
		}
		seen[c.CourseID] = struct{}{}
		c.Similarity = ClampSimilarity(c.Similarity)
		ordered = append(ordered, c)
	}

	slices.SortStableFunc(ordered, CompareCandidates)

	if len(ordered) > topK {
		ordered = ordered[:topK]
	}
	return ordered
}

// CompareCandidates は類似度降順、同点ならコースID昇順の比較関数
func CompareCandidates(a, b CourseCandidate) int {
	if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
		return c
	}
	return cmp.Compare(a.CourseID, b.CourseID)
}

// ClampSimilarity は類似度を [0,1] に収める
func ClampSimilarity(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// similarityOrder は候補をそのままの順で推薦結果に変換する
func similarityOrder(candidates []CourseCandidate) []RankedRecommendation {
	ranked := make([]RankedRecommendation, len(candidates))
	for i, c := range candidates {
		ranked[i] = RankedRecommendation{
			CourseID:   c.CourseID,
			Similarity: c.Similarity,
			Metadata:   c.Metadata,
		}
	}
	return ranked
}

// mergeReranked は再ランキング結果を検証し、類似度とメタデータを候補側の値で埋める
// 候補にないIDや重複が含まれていれば ErrRerankParse を返す
func mergeReranked(ranked []RankedRecommendation, candidates []CourseCandidate) ([]RankedRecommendation, error) {
	byID := make(map[string]CourseCandidate, len(candidates))
	for _, c := range candidates {
		byID[c.CourseID] = c
	}

	merged := make([]RankedRecommendation, 0, len(ranked))
	seen := make(map[string]struct{}, len(ranked))
	for _, r := range ranked {
		c, ok := byID[r.CourseID]
		if !ok {
			return nil, fmt.Errorf("%w: course id %q was not retrieved", ErrRerankParse, r.CourseID)
		}
		if _, dup := seen[r.CourseID]; dup {
			return nil, fmt.Errorf("%w: course id %q returned twice", ErrRerankParse, r.CourseID)
		}
		seen[r.CourseID] = struct{}{}

		merged = append(merged, RankedRecommendation{
			CourseID:    r.CourseID,
			Explanation: r.Explanation,
			Relevancy:   r.Relevancy,
			Similarity:  c.Similarity,
			Metadata:    c.Metadata,
		})
	}

	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: reranker returned no courses", ErrRerankParse)
	}
	return merged, nil
}

// Renumber は重複IDを除いて limit 件までに切り詰め、1 始まりの連番を振り直す
// limit が 0 以下なら切り詰めない
func Renumber(recs []RankedRecommendation, limit int) []RankedRecommendation {
	out := make([]RankedRecommendation, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if _, dup := seen[r.CourseID]; dup {
			continue
		}
		seen[r.CourseID] = struct{}{}
		r.Rank = len(out) + 1
		out = append(out, r)
	}
	return out
}

// ValidateRanks は順位が 1..N の連番で、コースIDが一意であることを検証する
func ValidateRanks(recs []RankedRecommendation) error {
	seen := make(map[string]struct{}, len(recs))
	for i, r := range recs {
		if r.Rank != i+1 {
			return fmt.Errorf("rank at position %d is %d", i, r.Rank)
		}
		if _, dup := seen[r.CourseID]; dup {
			return fmt.Errorf("course id %q appears twice", r.CourseID)
		}
		seen[r.CourseID] = struct{}{}
	}
	return nil
}
