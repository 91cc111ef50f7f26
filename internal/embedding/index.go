package embedding

import (
	"cmp"
	"context"
	"runtime"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability/metrics"
)

var log = logger.Global().Module("embedding")

// Source reads stored embeddings.
type Source interface {
	ListEmbeddings(ctx context.Context, datasetID string) ([]entities.Embedding, error)
	GetEmbeddings(ctx context.Context, clipIDs []string) ([]entities.Embedding, error)
}

// Scope selects the clip population of a query. ClipIDs, when set, replaces
// the dataset-wide scan. An empty DatasetID covers every dataset.
type Scope struct {
	DatasetID string
	ClipIDs   []string
}

// Match is one scored clip.
type Match struct {
	ClipID string  `json:"clip_id"`
	Score  float64 `json:"score"`
}

// Stats describes how a scope was scanned.
type Stats struct {
	Scoped   int `json:"scoped"`   // clips in scope, including missing ones
	Scored   int `json:"scored"`   // clips compared against the query
	Excluded int `json:"excluded"` // clips skipped through the exclude set
	Missing  int `json:"missing"`  // missing, malformed or dimension-mismatched embeddings
}

// Query describes a nearest-neighbour request.
type Query struct {
	Vectors [][]float32
	K       int // 0 returns every match
	Metric  Metric
	Exclude map[string]struct{}
	Scope   Scope
	// MinScore drops matches scoring below it when set
	MinScore *float64
}

// Result is a ranked list of matches plus scan statistics.
type Result struct {
	Matches []Match
	Stats   Stats
}

// Options configures an Index.
type Options struct {
	Workers  int           // scoring goroutines, 0 uses GOMAXPROCS
	CacheTTL time.Duration // lifetime of decoded dataset scopes, 0 disables caching
	Metrics  *metrics.SearchMetrics
}

// Index answers similarity queries over immutable embeddings. It is safe for
// concurrent use.
type Index struct {
	source  Source
	cache   *cache.Cache
	loads   singleflight.Group
	workers int
	metrics *metrics.SearchMetrics
}

// scopeVectors is a decoded scope sorted by clip id.
type scopeVectors struct {
	ids     []string
	vecs    [][]float32
	norms   []float64
	missing int
}

func (sv *scopeVectors) size() int {
	return len(sv.ids) + sv.missing
}

// NewIndex creates an Index reading from source.
func NewIndex(source Source, opts Options) *Index {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	ix := &Index{
		source:  source,
		workers: workers,
		metrics: opts.Metrics,
	}
	if opts.CacheTTL > 0 {
		ix.cache = cache.New(opts.CacheTTL, opts.CacheTTL*2)
	}
	return ix
}

// Invalidate drops cached scopes, used after new embeddings are imported.
func (ix *Index) Invalidate() {
	if ix.cache != nil {
		ix.cache.Flush()
	}
}

// Query scores the scope against the query vectors and returns the top K
// matches by descending similarity, ties broken by ascending clip id.
// A clip's similarity is its maximum across all query vectors.
func (ix *Index) Query(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	result, err := ix.run(ctx, "query", q)
	ix.metrics.RecordIndexQuery("query", metricLabel(q.Metric), metrics.StatusFor(err), time.Since(start).Seconds(),
		statsOf(result).Scored, statsOf(result).Missing)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(result.Matches, compareMatches)
	if q.K > 0 && len(result.Matches) > q.K {
		result.Matches = result.Matches[:q.K]
	}
	return result, nil
}

// Score scores every clip in scope without truncation. Matches are ordered by clip id.
func (ix *Index) Score(ctx context.Context, vectors [][]float32, metric Metric, scope Scope, exclude map[string]struct{}) (*Result, error) {
	start := time.Now()
	result, err := ix.run(ctx, "score", Query{Vectors: vectors, Metric: metric, Scope: scope, Exclude: exclude})
	ix.metrics.RecordIndexQuery("score", metricLabel(metric), metrics.StatusFor(err), time.Since(start).Seconds(),
		statsOf(result).Scored, statsOf(result).Missing)
	return result, err
}

// Vectors fetches decoded vectors by clip id. Missing or malformed embeddings
// are left out of the map and counted.
func (ix *Index) Vectors(ctx context.Context, clipIDs []string) (map[string][]float32, int, error) {
	rows, err := ix.source.GetEmbeddings(ctx, clipIDs)
	if err != nil {
		return nil, 0, errors.New(err).
			Component("embedding").
			Category(errors.CategoryDatabase).
			Context("operation", "get_embeddings").
			Build()
	}
	out := make(map[string][]float32, len(rows))
	for i := range rows {
		vec, err := Decode(rows[i].Vector, rows[i].Dimension)
		if err != nil {
			log.Debug("skipping malformed embedding", logger.String("clip_id", rows[i].ClipID), logger.Error(err))
			continue
		}
		out[rows[i].ClipID] = vec
	}
	return out, len(clipIDs) - len(out), nil
}

// ScopeClipIDs returns the clip ids with a decodable embedding in scope, ascending.
func (ix *Index) ScopeClipIDs(ctx context.Context, scope Scope) ([]string, error) {
	sv, err := ix.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return slices.Clone(sv.ids), nil
}

// Count returns the number of decodable embeddings in scope.
func (ix *Index) Count(ctx context.Context, scope Scope) (int, error) {
	sv, err := ix.load(ctx, scope)
	if err != nil {
		return 0, err
	}
	return len(sv.ids), nil
}

func (ix *Index) run(ctx context.Context, operation string, q Query) (*Result, error) {
	metric, err := ParseMetric(string(q.Metric))
	if err != nil {
		return nil, err
	}
	dim, err := queryDimension(q.Vectors)
	if err != nil {
		return nil, err
	}

	sv, err := ix.load(ctx, q.Scope)
	if err != nil {
		return nil, err
	}
	if len(sv.ids) == 0 {
		return nil, errors.Newf("no embeddings in scope").
			Component("embedding").
			Category(errors.CategoryValidation).
			Context("dataset_id", q.Scope.DatasetID).
			Context("operation", operation).
			Build()
	}

	p := prepare(metric, q.Vectors)
	scores := make([]float64, len(sv.ids))
	state := make([]uint8, len(sv.ids)) // 0 scored, 1 excluded, 2 dimension mismatch

	g, gctx := errgroup.WithContext(ctx)
	for _, span := range spans(len(sv.ids), ix.workers) {
		g.Go(func() error {
			for i := span[0]; i < span[1]; i++ {
				if (i-span[0])%1024 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				if _, skip := q.Exclude[sv.ids[i]]; skip {
					state[i] = 1
					continue
				}
				if len(sv.vecs[i]) != dim {
					state[i] = 2
					continue
				}
				scores[i] = p.maxSimilarity(sv.vecs[i], sv.norms[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.New(err).
			Component("embedding").
			Category(errors.CategoryCancellation).
			Context("operation", operation).
			Build()
	}

	result := &Result{Stats: Stats{Scoped: sv.size(), Missing: sv.missing}}
	result.Matches = make([]Match, 0, len(sv.ids))
	for i, id := range sv.ids {
		switch state[i] {
		case 1:
			result.Stats.Excluded++
		case 2:
			result.Stats.Missing++
		default:
			result.Stats.Scored++
			if q.MinScore != nil && scores[i] < *q.MinScore {
				continue
			}
			result.Matches = append(result.Matches, Match{ClipID: id, Score: scores[i]})
		}
	}

	if result.Stats.Missing > 0 {
		log.Debug("embeddings skipped",
			logger.String("operation", operation),
			logger.Int("missing", result.Stats.Missing),
			logger.Int("scoped", result.Stats.Scoped))
	}
	return result, nil
}

// load returns the decoded scope, from cache for dataset-wide scopes.
func (ix *Index) load(ctx context.Context, scope Scope) (*scopeVectors, error) {
	if len(scope.ClipIDs) > 0 {
		return ix.loadExplicit(ctx, scope.ClipIDs)
	}

	key := "dataset:" + scope.DatasetID
	if ix.cache != nil {
		if cached, found := ix.cache.Get(key); found {
			ix.metrics.RecordScopeCache(true)
			return cached.(*scopeVectors), nil
		}
		ix.metrics.RecordScopeCache(false)
	}

	v, err, _ := ix.loads.Do(key, func() (any, error) {
		rows, err := ix.source.ListEmbeddings(ctx, scope.DatasetID)
		if err != nil {
			return nil, errors.New(err).
				Component("embedding").
				Category(errors.CategoryDatabase).
				Context("operation", "list_embeddings").
				Context("dataset_id", scope.DatasetID).
				Build()
		}
		sv := decodeRows(rows)
		if ix.cache != nil {
			ix.cache.Set(key, sv, cache.DefaultExpiration)
		}
		return sv, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*scopeVectors), nil
}

func (ix *Index) loadExplicit(ctx context.Context, clipIDs []string) (*scopeVectors, error) {
	rows, err := ix.source.GetEmbeddings(ctx, uniqueSorted(clipIDs))
	if err != nil {
		return nil, errors.New(err).
			Component("embedding").
			Category(errors.CategoryDatabase).
			Context("operation", "get_embeddings").
			Build()
	}
	sv := decodeRows(rows)
	sv.missing += len(uniqueSorted(clipIDs)) - len(rows)
	return sv, nil
}

func decodeRows(rows []entities.Embedding) *scopeVectors {
	slices.SortFunc(rows, func(a, b entities.Embedding) int { return cmp.Compare(a.ClipID, b.ClipID) })
	sv := &scopeVectors{
		ids:   make([]string, 0, len(rows)),
		vecs:  make([][]float32, 0, len(rows)),
		norms: make([]float64, 0, len(rows)),
	}
	for i := range rows {
		vec, err := Decode(rows[i].Vector, rows[i].Dimension)
		if err != nil {
			sv.missing++
			continue
		}
		sv.ids = append(sv.ids, rows[i].ClipID)
		sv.vecs = append(sv.vecs, vec)
		sv.norms = append(sv.norms, Norm(vec))
	}
	return sv
}

func queryDimension(vectors [][]float32) (int, error) {
	if len(vectors) == 0 {
		return 0, errors.ValidationError("at least one query vector is required")
	}
	dim := len(vectors[0])
	if dim == 0 {
		return 0, errors.ValidationError("query vectors must not be empty")
	}
	for _, v := range vectors[1:] {
		if len(v) != dim {
			return 0, errors.ValidationError("query vectors must share one dimension")
		}
	}
	return dim, nil
}

// spans splits [0,n) into at most parts contiguous ranges.
func spans(n, parts int) [][2]int {
	if n == 0 {
		return nil
	}
	parts = min(parts, n)
	size := (n + parts - 1) / parts
	out := make([][2]int, 0, parts)
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

func uniqueSorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func compareMatches(a, b Match) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	return cmp.Compare(a.ClipID, b.ClipID)
}

func statsOf(r *Result) Stats {
	if r == nil {
		return Stats{}
	}
	return r.Stats
}

func metricLabel(m Metric) string {
	if m == "" {
		return string(Cosine)
	}
	return string(m)
}

// BatchScorer scores a batch of vectors, one score per row. It must be safe
// for concurrent use.
type BatchScorer func(vectors [][]float32) []float64

const applyBatch = 256

// Apply scores every clip in scope outside exclude with fn. Clips whose
// dimension differs from dim count as missing. Matches are ordered by clip id.
func (ix *Index) Apply(ctx context.Context, scope Scope, exclude map[string]struct{}, dim int, fn BatchScorer) (*Result, error) {
	start := time.Now()
	result, err := ix.apply(ctx, scope, exclude, dim, fn)
	ix.metrics.RecordIndexQuery("apply", "model", metrics.StatusFor(err), time.Since(start).Seconds(),
		statsOf(result).Scored, statsOf(result).Missing)
	return result, err
}

func (ix *Index) apply(ctx context.Context, scope Scope, exclude map[string]struct{}, dim int, fn BatchScorer) (*Result, error) {
	sv, err := ix.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(sv.ids) == 0 {
		return nil, errors.Newf("no embeddings in scope").
			Component("embedding").
			Category(errors.CategoryValidation).
			Context("dataset_id", scope.DatasetID).
			Context("operation", "apply").
			Build()
	}

	result := &Result{Stats: Stats{Scoped: sv.size(), Missing: sv.missing}}
	var eligible []int
	for i, id := range sv.ids {
		if _, skip := exclude[id]; skip {
			result.Stats.Excluded++
			continue
		}
		if len(sv.vecs[i]) != dim {
			result.Stats.Missing++
			continue
		}
		eligible = append(eligible, i)
	}

	scores := make([]float64, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	for _, span := range spans(len(eligible), ix.workers) {
		g.Go(func() error {
			for lo := span[0]; lo < span[1]; lo += applyBatch {
				if err := gctx.Err(); err != nil {
					return err
				}
				hi := min(lo+applyBatch, span[1])
				batch := make([][]float32, hi-lo)
				for j := range batch {
					batch[j] = sv.vecs[eligible[lo+j]]
				}
				copy(scores[lo:hi], fn(batch))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.New(err).
			Component("embedding").
			Category(errors.CategoryCancellation).
			Context("operation", "apply").
			Build()
	}

	result.Matches = make([]Match, len(eligible))
	for j, i := range eligible {
		result.Matches[j] = Match{ClipID: sv.ids[i], Score: scores[j]}
	}
	result.Stats.Scored = len(eligible)
	return result, nil
}
