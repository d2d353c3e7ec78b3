package searchd

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsearch/internal/middleware"
	"github.com/hitoshi/feedsearch/internal/searchbackend"
)

// maxBodyBytes はリクエストボディの上限。バルク登録を考慮して大きめにとる。
const maxBodyBytes = 64 << 20

// Server は検索バックエンドのHTTPハンドラー。
type Server struct {
	engine *Engine
	logger *slog.Logger
}

// NewServer はServerを生成する。
func NewServer(engine *Engine, logger *slog.Logger) *Server {
	return &Server{engine: engine, logger: logger}
}

// Router はルーティングを設定したhttp.Handlerを返す。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(s.logger))
	r.Use(middleware.NewLoggingMiddleware(s.logger))

	r.Get("/_health", s.health)

	r.Route("/{index}", func(r chi.Router) {
		r.Head("/", s.indexExists)
		r.Put("/", s.createIndex)
		r.Delete("/", s.deleteIndex)
		r.Post("/_close", s.closeIndex)
		r.Post("/_open", s.openIndex)
		r.Put("/_mapping", s.putMapping)
		r.Get("/_mapping", s.getMapping)
		r.Put("/_doc/{id}", s.indexDocument)
		r.Delete("/_doc/{id}", s.deleteDocument)
		r.Post("/_bulk", s.bulk)
		r.Post("/_search", s.search)
		r.Get("/_count", s.count)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, searchbackend.HealthResponse{Status: "ok"})
}

func (s *Server) indexExists(w http.ResponseWriter, r *http.Request) {
	if s.engine.Exists(chi.URLParam(r, "index")) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) createIndex(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	im, err := ParseMapping(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Create(chi.URLParam(r, "index"), im); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) deleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(chi.URLParam(r, "index")); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) closeIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CloseIndex(chi.URLParam(r, "index")); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) openIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.OpenIndex(chi.URLParam(r, "index")); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) putMapping(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	im, err := ParseMapping(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.PutMapping(chi.URLParam(r, "index"), im); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) getMapping(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Mapping(chi.URLParam(r, "index"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) indexDocument(w http.ResponseWriter, r *http.Request) {
	var doc searchbackend.Document
	if !s.decode(w, r, &doc) {
		return
	}
	if err := s.engine.IndexDocument(chi.URLParam(r, "index"), chi.URLParam(r, "id"), doc); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteDocument(chi.URLParam(r, "index"), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) bulk(w http.ResponseWriter, r *http.Request) {
	var req searchbackend.BulkRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.engine.Bulk(chi.URLParam(r, "index"), req.Docs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchbackend.BulkResponse{Indexed: n})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req searchbackend.SearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.engine.Search(r.Context(), chi.URLParam(r, "index"), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Count(chi.URLParam(r, "index"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchbackend.CountResponse{Count: n})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeBackendError(w, http.StatusBadRequest, searchbackend.ErrTypeIllegalArgument, "リクエストボディを読み取れません")
		return nil, false
	}
	return body, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeBackendError(w, http.StatusBadRequest, searchbackend.ErrTypeIllegalArgument, "JSONの形式が正しくありません")
		return false
	}
	return true
}

// writeError はエンジンのエラーをプロトコルのエラー種別に変換して書き込む。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoSuchIndex):
		writeBackendError(w, http.StatusNotFound, searchbackend.ErrTypeIndexNotFound, err.Error())
	case errors.Is(err, ErrAlreadyExists):
		writeBackendError(w, http.StatusConflict, searchbackend.ErrTypeIndexExists, err.Error())
	case errors.Is(err, ErrClosed):
		writeBackendError(w, http.StatusConflict, searchbackend.ErrTypeIndexClosed, err.Error())
	case errors.Is(err, ErrOpen):
		writeBackendError(w, http.StatusConflict, searchbackend.ErrTypeIndexOpen, err.Error())
	case errors.Is(err, ErrBadName):
		writeBackendError(w, http.StatusBadRequest, searchbackend.ErrTypeInvalidIndex, err.Error())
	case errors.Is(err, ErrBadMapping):
		writeBackendError(w, http.StatusBadRequest, searchbackend.ErrTypeMapperParsing, err.Error())
	case errors.Is(err, ErrBadQuery):
		writeBackendError(w, http.StatusBadRequest, searchbackend.ErrTypeQueryParsing, err.Error())
	default:
		s.logger.Error("searchd_internal_error", slog.String("error", err.Error()))
		writeBackendError(w, http.StatusInternalServerError, searchbackend.ErrTypeInternal, "内部エラーが発生しました")
	}
}

func writeBackendError(w http.ResponseWriter, status int, typ, reason string) {
	writeJSON(w, status, searchbackend.ErrorBody{
		Error:  searchbackend.ErrorDetail{Type: typ, Reason: reason},
		Status: status,
	})
}

func writeAck(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
