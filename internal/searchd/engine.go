// Package searchd は検索バックエンドのサーバー実装を提供する。
//
// bleveのインデックスを名前で管理し、searchbackendパッケージのHTTP/JSONプロトコルで公開する。
// データディレクトリを指定した場合はディスクに永続化し、指定しない場合はメモリ上に保持する。
package searchd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/gofrs/flock"

	"github.com/hitoshi/feedsearch/internal/searchbackend"
)

var (
	// ErrNoSuchIndex はインデックスが存在しないことを表す。
	ErrNoSuchIndex = errors.New("インデックスが存在しません")
	// ErrAlreadyExists はインデックスが既に存在することを表す。
	ErrAlreadyExists = errors.New("インデックスは既に存在します")
	// ErrClosed はクローズ中のインデックスへの操作を表す。
	ErrClosed = errors.New("インデックスはクローズされています")
	// ErrOpen はオープン中のインデックスへのマッピング変更を表す。
	ErrOpen = errors.New("インデックスがオープンされています")
	// ErrBadName は不正なインデックス名を表す。
	ErrBadName = errors.New("不正なインデックス名です")
	// ErrBadMapping は不正なマッピングを表す。
	ErrBadMapping = errors.New("不正なマッピングです")
	// ErrBadQuery は解釈できない検索クエリを表す。
	ErrBadQuery = errors.New("検索クエリを解釈できません")
	// ErrLocked はデータディレクトリが他のプロセスに使用されていることを表す。
	ErrLocked = errors.New("データディレクトリは他のプロセスが使用中です")
)

const (
	defaultSearchSize = 10
	maxSearchSize     = 10000
	lockFileName      = ".searchd.lock"
)

var indexNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]{0,254}$`)

type indexEntry struct {
	idx    bleve.Index
	closed bool
}

// Engine は名前付きbleveインデックスの集合。
type Engine struct {
	mu      sync.RWMutex
	dataDir string
	indexes map[string]*indexEntry
	lock    *flock.Flock
	logger  *slog.Logger
}

// NewEngine はEngineを生成する。
// dataDirが空の場合はメモリ上のインデックスを使用する。
// dataDirを指定した場合はディレクトリをロックし、既存のインデックスを読み込む。
func NewEngine(dataDir string, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		dataDir: dataDir,
		indexes: make(map[string]*indexEntry),
		logger:  logger,
	}
	if dataDir == "" {
		return e, nil
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("データディレクトリの作成に失敗しました: %w", err)
	}
	e.lock = flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := e.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("データディレクトリのロックに失敗しました: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dataDir)
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		e.lock.Unlock()
		return nil, fmt.Errorf("データディレクトリの読み込みに失敗しました: %w", err)
	}
	for _, ent := range entries {
		if !ent.IsDir() || !indexNamePattern.MatchString(ent.Name()) {
			continue
		}
		idx, err := bleve.Open(filepath.Join(dataDir, ent.Name()))
		if err != nil {
			logger.Warn("index_open_failed",
				slog.String("index", ent.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.indexes[ent.Name()] = &indexEntry{idx: idx}
		logger.Info("index_loaded", slog.String("index", ent.Name()))
	}
	return e, nil
}

// Close は全インデックスを閉じ、データディレクトリのロックを解放する。
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for name, ent := range e.indexes {
		if err := ent.idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	e.indexes = make(map[string]*indexEntry)
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Names はインデックス名の一覧を返す。
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.indexes))
	for name := range e.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists はインデックスの存在を返す。
func (e *Engine) Exists(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.indexes[name]
	return ok
}

// Create はマッピングを指定してインデックスを作成する。
func (e *Engine) Create(name string, im *mapping.IndexMappingImpl) error {
	if !indexNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %s", ErrBadName, name)
	}
	if err := im.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMapping, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indexes[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	idx, err := e.newIndex(name, im)
	if err != nil {
		return err
	}
	e.indexes[name] = &indexEntry{idx: idx}
	e.logger.Info("index_created", slog.String("index", name))
	return nil
}

// Delete はインデックスを削除する。ディスク上のデータも削除する。
func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.indexes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchIndex, name)
	}
	delete(e.indexes, name)
	if err := e.destroy(name, ent.idx); err != nil {
		return err
	}
	e.logger.Info("index_deleted", slog.String("index", name))
	return nil
}

// CloseIndex はインデックスをクローズ状態にする。クローズ中は読み書きを拒否する。
func (e *Engine) CloseIndex(name string) error {
	return e.setClosed(name, true)
}

// OpenIndex はインデックスをオープン状態にする。
func (e *Engine) OpenIndex(name string) error {
	return e.setClosed(name, false)
}

func (e *Engine) setClosed(name string, closed bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.indexes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchIndex, name)
	}
	ent.closed = closed
	return nil
}

// PutMapping はクローズ中のインデックスのマッピングを置き換える。
// 現在と同一のマッピングであれば何もしない。異なる場合はインデックスを空で作り直す。
func (e *Engine) PutMapping(name string, im *mapping.IndexMappingImpl) error {
	if err := im.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMapping, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.indexes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchIndex, name)
	}
	if !ent.closed {
		return fmt.Errorf("%w: %s", ErrOpen, name)
	}

	same, err := sameMapping(ent.idx.Mapping(), im)
	if err != nil {
		return err
	}
	if same {
		return nil
	}

	if err := e.destroy(name, ent.idx); err != nil {
		return err
	}
	idx, err := e.newIndex(name, im)
	if err != nil {
		delete(e.indexes, name)
		return err
	}
	ent.idx = idx
	e.logger.Warn("index_mapping_replaced",
		slog.String("index", name),
		slog.String("reason", "マッピングが変更されたためインデックスを再作成しました"),
	)
	return nil
}

// Mapping は現在のマッピングを返す。
func (e *Engine) Mapping(name string) (mapping.IndexMapping, error) {
	ent, err := e.get(name)
	if err != nil {
		return nil, err
	}
	return ent.idx.Mapping(), nil
}

// IndexDocument はドキュメントを登録または更新する。
func (e *Engine) IndexDocument(name, id string, doc searchbackend.Document) error {
	idx, err := e.opened(name)
	if err != nil {
		return err
	}
	if err := idx.Index(id, map[string]any(doc)); err != nil {
		return fmt.Errorf("ドキュメントの登録に失敗しました: %w", err)
	}
	return nil
}

// DeleteDocument はドキュメントを削除する。存在しないドキュメントの削除は成功とする。
func (e *Engine) DeleteDocument(name, id string) error {
	idx, err := e.opened(name)
	if err != nil {
		return err
	}
	if err := idx.Delete(id); err != nil {
		return fmt.Errorf("ドキュメントの削除に失敗しました: %w", err)
	}
	return nil
}

// Bulk は複数ドキュメントを1バッチで登録し、登録件数を返す。
func (e *Engine) Bulk(name string, docs []searchbackend.BulkDoc) (int, error) {
	idx, err := e.opened(name)
	if err != nil {
		return 0, err
	}
	batch := idx.NewBatch()
	for _, d := range docs {
		if d.ID == "" {
			continue
		}
		if err := batch.Index(d.ID, map[string]any(d.Doc)); err != nil {
			return 0, fmt.Errorf("ドキュメント %s のバッチ追加に失敗しました: %w", d.ID, err)
		}
	}
	n := batch.Size()
	if err := idx.Batch(batch); err != nil {
		return 0, fmt.Errorf("バッチ登録に失敗しました: %w", err)
	}
	return n, nil
}

// Search は検索を実行する。
func (e *Engine) Search(ctx context.Context, name string, req *searchbackend.SearchRequest) (*searchbackend.SearchResponse, error) {
	idx, err := e.opened(name)
	if err != nil {
		return nil, err
	}

	q, err := buildQuery(idx.Mapping(), req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}

	size := req.Size
	if size <= 0 {
		size = defaultSearchSize
	}
	if size > maxSearchSize {
		size = maxSearchSize
	}
	from := req.From
	if from < 0 {
		from = 0
	}

	sr := bleve.NewSearchRequestOptions(q, size, from, false)
	if len(req.Sort) > 0 {
		sr.SortBy(req.Sort)
	}
	sr.Fields = req.Fields

	res, err := idx.SearchInContext(ctx, sr)
	if err != nil {
		return nil, fmt.Errorf("検索の実行に失敗しました: %w", err)
	}

	out := &searchbackend.SearchResponse{
		Total: res.Total,
		Hits:  make([]searchbackend.Hit, 0, len(res.Hits)),
	}
	for _, h := range res.Hits {
		hit := searchbackend.Hit{ID: h.ID, Score: h.Score}
		if len(h.Fields) > 0 {
			hit.Fields = h.Fields
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

// Count はドキュメント件数を返す。
func (e *Engine) Count(name string) (uint64, error) {
	idx, err := e.opened(name)
	if err != nil {
		return 0, err
	}
	n, err := idx.DocCount()
	if err != nil {
		return 0, fmt.Errorf("ドキュメント件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func (e *Engine) get(name string) (*indexEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchIndex, name)
	}
	return ent, nil
}

// opened はオープン中のインデックスを返す。
func (e *Engine) opened(name string) (bleve.Index, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchIndex, name)
	}
	if ent.closed {
		return nil, fmt.Errorf("%w: %s", ErrClosed, name)
	}
	return ent.idx, nil
}

// newIndex はインデックスを作成する。muを保持して呼び出すこと。
func (e *Engine) newIndex(name string, im *mapping.IndexMappingImpl) (bleve.Index, error) {
	var (
		idx bleve.Index
		err error
	)
	if e.dataDir == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		idx, err = bleve.New(filepath.Join(e.dataDir, name), im)
	}
	if err != nil {
		return nil, fmt.Errorf("インデックス %s の作成に失敗しました: %w", name, err)
	}
	return idx, nil
}

// destroy はインデックスを閉じ、ディスク上のデータを削除する。muを保持して呼び出すこと。
func (e *Engine) destroy(name string, idx bleve.Index) error {
	if err := idx.Close(); err != nil {
		return fmt.Errorf("インデックス %s のクローズに失敗しました: %w", name, err)
	}
	if e.dataDir == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(e.dataDir, name)); err != nil {
		return fmt.Errorf("インデックス %s のデータ削除に失敗しました: %w", name, err)
	}
	return nil
}

// ParseMapping はJSONからインデックスマッピングを復元する。
func ParseMapping(data []byte) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	if len(data) == 0 {
		return im, nil
	}
	if err := json.Unmarshal(data, im); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMapping, err)
	}
	return im, nil
}

func sameMapping(current mapping.IndexMapping, next *mapping.IndexMappingImpl) (bool, error) {
	a, err := json.Marshal(current)
	if err != nil {
		return false, fmt.Errorf("現在のマッピングのエンコードに失敗しました: %w", err)
	}
	b, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("新しいマッピングのエンコードに失敗しました: %w", err)
	}
	return string(a) == string(b), nil
}
