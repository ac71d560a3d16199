package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"zipfiles/pkg/app"
	"zipfiles/pkg/bundle"
	"zipfiles/pkg/source"
	"zipfiles/pkg/types"
)

// 对外的错误文案，客户端可能按字面匹配
const (
	msgNoFileIDs     = "No file IDs provided."
	msgNotFound      = "No files found for provided IDs."
	msgNotStreamable = "None of the requested files could be streamed."
	msgInternal      = "Internal server error"
)

// 部分失败通过 trailer 告知客户端 (响应头发出之后状态码已无法改变)
const (
	TrailerErrorCount = "X-Zipfiles-Error-Count"
	TrailerErrors     = "X-Zipfiles-Errors"

	maxTrailerErrors = 50
	maxRequestBody   = 1 << 20
)

type BundleService struct {
	app *app.App
}

func NewBundleService(application *app.App) *BundleService {
	return &BundleService{app: application}
}

// Register 把路由挂到 mux 上
func (s *BundleService) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /{$}", s.handleBundle)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

type bundleRequest struct {
	FileIDs json.RawMessage `json:"fileIds"`
}

type errorResponse struct {
	Error        string         `json:"error"`
	Details      any            `json:"details,omitempty"`
	MissingFiles []types.FileID `json:"missingFiles,omitempty"`
}

// =============================================================================
// POST /
// =============================================================================

func (s *BundleService) handleBundle(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgNoFileIDs})
		return
	}

	// 阶段一：解析 + 打开，不产生任何输出
	plan, err := s.app.Orchestrator.Prepare(r.Context(), ids, source.OpenOptions{
		Authorization: r.Header.Get("Authorization"),
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	// 阶段二：头部只登记不发送，第一个归档字节写出时才真正提交 200
	h := w.Header()
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Disposition", "attachment; filename=files.zip")
	h.Set("Trailer", TrailerErrorCount+", "+TrailerErrors)

	report, err := s.app.Orchestrator.Stream(r.Context(), plan, w)
	if err != nil {
		if errors.Is(err, bundle.ErrTruncated) {
			// 已提交的响应无法再改状态码：中止连接，让客户端看到不完整的传输
			panic(http.ErrAbortHandler)
		}
		h.Del("Content-Type")
		h.Del("Content-Disposition")
		h.Del("Trailer")
		writeFailure(w, err)
		return
	}

	setTrailers(h, report.Errors)
}

// decodeIDs 解析请求体；缺失、非数组、空数组都视为无效
func decodeIDs(w http.ResponseWriter, r *http.Request) ([]types.FileID, bool) {
	var req bundleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		return nil, false
	}
	if len(req.FileIDs) == 0 {
		return nil, false
	}
	var ids []types.FileID
	if err := json.Unmarshal(req.FileIDs, &ids); err != nil || len(ids) == 0 {
		return nil, false
	}
	return ids, true
}

// writeFailure 把编排器的错误映射成 HTTP 状态码，只在提交之前调用
func writeFailure(w http.ResponseWriter, err error) {
	var nse *bundle.NoSourcesError
	switch {
	case errors.Is(err, bundle.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgNoFileIDs})
	case errors.As(err, &nse) && !nse.Resolved:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: msgNotFound, MissingFiles: nse.Missing()})
	case errors.As(err, &nse):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: msgNotStreamable, Details: nse.Errors})
	default:
		slog.Error("bundle request failed", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgInternal, Details: err.Error()})
	}
}

func setTrailers(h http.Header, errs []types.SourceError) {
	h.Set(TrailerErrorCount, strconv.Itoa(len(errs)))
	if len(errs) > maxTrailerErrors {
		errs = errs[:maxTrailerErrors]
	}
	if errs == nil {
		errs = []types.SourceError{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return
	}
	h.Set(TrailerErrors, string(data))
}

// =============================================================================
// GET /healthz
// =============================================================================

func (s *BundleService) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
