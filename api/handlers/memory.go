package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/memory"
	"github.com/BaSui01/memflow/types"
)

// =============================================================================
// 🧠 记忆 Handler
// =============================================================================

// MemoryHandler 记忆服务的 HTTP 处理器
type MemoryHandler struct {
	service *memory.Service
	logger  *zap.Logger
}

// NewMemoryHandler 创建记忆处理器
func NewMemoryHandler(service *memory.Service, logger *zap.Logger) *MemoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryHandler{
		service: service,
		logger:  logger.With(zap.String("component", "memory_handler")),
	}
}

// Register 将所有记忆路由挂载到 mux 上
func (h *MemoryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/memories", h.HandleCreate)
	mux.HandleFunc("POST /v1/memories/ingest", h.HandleIngest)
	mux.HandleFunc("POST /v1/memories/search", h.HandleSearch)
	mux.HandleFunc("POST /v1/memories/context", h.HandleContext)
	mux.HandleFunc("GET /v1/memories/stats", h.HandleStats)
	mux.HandleFunc("GET /v1/memories/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /v1/memories/{id}", h.HandleDelete)
	mux.HandleFunc("POST /v1/memories/{id}/archive", h.HandleArchive)
	mux.HandleFunc("PUT /v1/memories/{id}/importance", h.HandleImportance)
	mux.HandleFunc("POST /v1/memories/{id}/relationships", h.HandleRelationships)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleCreate 处理 POST /v1/memories
// @Summary 创建记忆
// @Description 对内容生成嵌入并持久化记忆
// @Tags 记忆
// @Accept json
// @Produce json
// @Success 200 {object} Response "创建的记忆"
// @Failure 400 {object} Response "请求无效"
// @Router /v1/memories [post]
func (h *MemoryHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req memory.CreateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	m, err := h.service.CreateMemory(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, m)
}

// HandleIngest 处理 POST /v1/memories/ingest
// @Summary 批量摄取记忆
// @Description 从外部来源批量摄取片段；失败片段逐条报告
// @Tags 记忆
// @Accept json
// @Produce json
// @Success 200 {object} Response "摄取结果"
// @Router /v1/memories/ingest [post]
func (h *MemoryHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req memory.IngestRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	result, err := h.service.IngestFromSource(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, result)
}

// HandleSearch 处理 POST /v1/memories/search
// @Summary 语义搜索
// @Description 按语义相似度搜索记忆
// @Tags 记忆
// @Accept json
// @Produce json
// @Success 200 {object} Response "搜索结果"
// @Router /v1/memories/search [post]
func (h *MemoryHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req memory.SearchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	results, err := h.service.Search(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, results)
}

// contextRequest 上下文组装请求
type contextRequest struct {
	ChatID             string  `json:"chat_id"`
	MaxTokens          int     `json:"max_tokens"`
	RelevanceThreshold float64 `json:"relevance_threshold,omitempty"`
}

// HandleContext 处理 POST /v1/memories/context
// @Summary 组装对话上下文
// @Description 在 token 预算内组装与对话相关的记忆上下文
// @Tags 记忆
// @Accept json
// @Produce json
// @Success 200 {object} Response "组装的上下文"
// @Router /v1/memories/context [post]
func (h *MemoryHandler) HandleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "chat_id is required", h.logger)
		return
	}

	assembled, err := h.service.AssembleContext(r.Context(), req.ChatID, req.MaxTokens, req.RelevanceThreshold)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, assembled)
}

// HandleGet 处理 GET /v1/memories/{id}
// @Summary 查询记忆
// @Tags 记忆
// @Produce json
// @Success 200 {object} Response "记忆详情"
// @Failure 404 {object} Response "记忆不存在"
// @Router /v1/memories/{id} [get]
func (h *MemoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, m)
}

// HandleDelete 处理 DELETE /v1/memories/{id}
// @Summary 删除记忆
// @Description 删除记忆行、向量与所有关联关系
// @Tags 记忆
// @Produce json
// @Success 200 {object} Response "删除成功"
// @Router /v1/memories/{id} [delete]
func (h *MemoryHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, map[string]string{"id": id, "status": "deleted"})
}

// archiveRequest 归档请求。retain_context 省略时默认保留向量。
type archiveRequest struct {
	Reason        string `json:"reason,omitempty"`
	RetainContext *bool  `json:"retain_context,omitempty"`
}

// HandleArchive 处理 POST /v1/memories/{id}/archive
// @Summary 归档记忆
// @Description 归档记忆；retain_context 决定向量是否保留
// @Tags 记忆
// @Accept json
// @Produce json
// @Success 200 {object} Response "归档后的记忆"
// @Router /v1/memories/{id}/archive [post]
func (h *MemoryHandler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	retain := true
	if req.RetainContext != nil {
		retain = *req.RetainContext
	}

	m, err := h.service.Archive(r.Context(), r.PathValue("id"), req.Reason, retain)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, m)
}

// importanceRequest 重要度更新请求
type importanceRequest struct {
	Importance int `json:"importance"`
}

// HandleImportance 处理 PUT /v1/memories/{id}/importance
// @Summary 更新记忆重要度
// @Tags 记忆
// @Accept json
// @Produce json
// @Success 200 {object} Response "更新成功"
// @Router /v1/memories/{id}/importance [put]
func (h *MemoryHandler) HandleImportance(w http.ResponseWriter, r *http.Request) {
	var req importanceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	id := r.PathValue("id")
	if err := h.service.UpdateImportance(r.Context(), id, req.Importance); err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, map[string]any{"id": id, "importance": req.Importance})
}

// relationshipsRequest 关系构建请求
type relationshipsRequest struct {
	Depth       int     `json:"depth,omitempty"`
	MinStrength float64 `json:"min_strength,omitempty"`
}

// HandleRelationships 处理 POST /v1/memories/{id}/relationships
// @Summary 构建记忆关系
// @Description 按语义相似度为记忆构建关系图
// @Tags 记忆
// @Accept json
// @Produce json
// @Success 200 {object} Response "建立的关系"
// @Router /v1/memories/{id}/relationships [post]
func (h *MemoryHandler) HandleRelationships(w http.ResponseWriter, r *http.Request) {
	var req relationshipsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	links, err := h.service.BuildRelationships(r.Context(), r.PathValue("id"), req.Depth, req.MinStrength)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, links)
}

// HandleStats 处理 GET /v1/memories/stats
// @Summary 子系统运行统计
// @Tags 记忆
// @Produce json
// @Success 200 {object} Response "统计快照"
// @Router /v1/memories/stats [get]
func (h *MemoryHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteSuccess(w, stats)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// writeServiceError 将服务层错误转为统一 API 错误响应
func (h *MemoryHandler) writeServiceError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*types.Error); ok {
		WriteError(w, apiErr, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, err.Error()), h.logger)
}
