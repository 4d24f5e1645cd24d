package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mindmapServer/backend/internal/collab"
	"mindmapServer/backend/internal/mindmap"
	"mindmapServer/backend/internal/model"
)

// SyncHandler 离线批量提交入口。排队/重试策略属于客户端，
// 这里只负责按给定顺序把操作送进房间的串行点
type SyncHandler struct {
	registry *collab.Registry
}

func NewSyncHandler(registry *collab.Registry) *SyncHandler {
	return &SyncHandler{registry: registry}
}

// 请求体：有序数组，逐项 {id, mapId, operation, data, timestamp}
type syncOperationRequest struct {
	ID        string          `json:"id"`
	MapID     string          `json:"mapId"`
	Operation string          `json:"operation"` // create | update | delete | move
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type syncOperationData struct {
	TargetNodeID string              `json:"targetNodeId"`
	ParentID     string              `json:"parentId,omitempty"`
	Node         *model.Node         `json:"node,omitempty"`
	Patch        *mindmap.FieldPatch `json:"patch,omitempty"`
	NewParentID  string              `json:"newParentId,omitempty"`
}

type syncResponse struct {
	Processed  int                    `json:"processed"`
	ErrorCount int                    `json:"errorCount"`
	Results    []collab.AppliedResult `json:"results"`
	Errors     []collab.BatchError    `json:"errors"`
}

// SubmitOperations POST /sync/operations
// 整批不因版本过期被拒，逐操作各自承担冲突解决（结果与请求顺序一致）
func (h *SyncHandler) SubmitOperations(c *gin.Context) {
	actorID := c.GetUint64("userId")

	var reqs []syncOperationRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	expectedVersion, _ := strconv.ParseUint(c.Query("expectedVersion"), 10, 64)

	resp := syncResponse{Results: make([]collab.AppliedResult, 0, len(reqs))}

	// 按 mapId 的连续段分组重放，保持提交顺序
	for i := 0; i < len(reqs); {
		j := i
		for j < len(reqs) && reqs[j].MapID == reqs[i].MapID {
			j++
		}
		group := reqs[i:j]
		ops := make([]collab.Operation, 0, len(group))
		for _, req := range group {
			op, err := buildOperation(req, actorID)
			if err != nil {
				// 载荷坏掉只拒这一条，后续照常处理
				resp.Results = append(resp.Results, collab.AppliedResult{Error: err.Error()})
				resp.Processed++
				resp.ErrorCount++
				resp.Errors = append(resp.Errors, collab.BatchError{OperationID: req.ID, Error: err.Error()})
				continue
			}
			ops = append(ops, op)
		}
		if len(ops) > 0 {
			room, err := h.registry.GetOrCreate(c.Request.Context(), group[0].MapID)
			if err != nil {
				for _, op := range ops {
					resp.Results = append(resp.Results, collab.AppliedResult{Operation: op, Error: err.Error()})
					resp.Processed++
					resp.ErrorCount++
					resp.Errors = append(resp.Errors, collab.BatchError{OperationID: op.ID, Error: err.Error()})
				}
				i = j
				continue
			}
			batch, err := room.SubmitBatch(c.Request.Context(), ops, expectedVersion)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"code": err.Error()})
				return
			}
			resp.Results = append(resp.Results, batch.Results...)
			resp.Processed += batch.Processed
			resp.ErrorCount += batch.ErrorCount
			resp.Errors = append(resp.Errors, batch.Errors...)
		}
		i = j
	}

	c.JSON(http.StatusOK, resp)
}

func buildOperation(req syncOperationRequest, actorID uint64) (collab.Operation, error) {
	var data syncOperationData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return collab.Operation{}, collab.ErrInvalidOperation
	}
	op := collab.Operation{
		ID:              req.ID,
		DocumentID:      req.MapID,
		ActorID:         actorID,
		Type:            collab.OpType(req.Operation),
		TargetNodeID:    data.TargetNodeID,
		ClientTimestamp: req.Timestamp,
	}
	switch op.Type {
	case collab.OpCreate:
		node := model.Node{}
		if data.Node != nil {
			node = *data.Node
		}
		op.Create = &collab.CreatePayload{ParentID: data.ParentID, Node: node}
	case collab.OpUpdate:
		op.Update = data.Patch
	case collab.OpMove:
		op.Move = &collab.MovePayload{NewParentID: data.NewParentID}
	case collab.OpDelete:
	default:
		return collab.Operation{}, collab.ErrInvalidOperation
	}
	if err := op.Validate(); err != nil {
		return collab.Operation{}, err
	}
	return op, nil
}
