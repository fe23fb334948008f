package http

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/harborbase/harborbase/internal/tenantdb"
)

// DataHandler is the thin boundary that turns JSON request bodies into
// operation descriptors for the router. It does no routing of its own;
// attribution is entirely the router's job.
type DataHandler struct {
	router *tenantdb.Router
}

func NewDataHandler(router *tenantdb.Router) *DataHandler {
	return &DataHandler{router: router}
}

// RegisterRoutes mounts the generic data routes.
func (h *DataHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/:table/query", h.query)
	rg.POST("/:table", h.insert)
	rg.PATCH("/:table", h.update)
	rg.DELETE("/:table", h.remove)
}

type dataReq struct {
	ProjectID string         `json:"project_id"`
	Record    map[string]any `json:"record"`
	Set       map[string]any `json:"set"`
	Filter    map[string]any `json:"filter"`
}

// pairs flattens a JSON object into parallel column/value lists with a
// stable order.
func pairs(m map[string]any) ([]string, []any) {
	cols := make([]string, 0, len(m))
	for col := range m {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	vals := make([]any, len(cols))
	for i, col := range cols {
		vals[i] = m[col]
	}
	return cols, vals
}

func (h *DataHandler) execute(c *gin.Context, d *tenantdb.Descriptor) {
	result, err := h.router.Execute(c.Request.Context(), d)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

func (h *DataHandler) query(c *gin.Context) {
	var req dataReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	cols, vals := pairs(req.Filter)
	h.execute(c, &tenantdb.Descriptor{
		ProjectID:     req.ProjectID,
		Table:         c.Param("table"),
		Kind:          tenantdb.KindSelect,
		FilterColumns: cols,
		FilterParams:  vals,
	})
}

func (h *DataHandler) insert(c *gin.Context) {
	var req dataReq
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Record) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	cols, vals := pairs(req.Record)
	h.execute(c, &tenantdb.Descriptor{
		ProjectID: req.ProjectID,
		Table:     c.Param("table"),
		Kind:      tenantdb.KindInsert,
		Columns:   cols,
		Params:    vals,
	})
}

func (h *DataHandler) update(c *gin.Context) {
	var req dataReq
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Set) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	cols, vals := pairs(req.Set)
	fcols, fvals := pairs(req.Filter)
	h.execute(c, &tenantdb.Descriptor{
		ProjectID:     req.ProjectID,
		Table:         c.Param("table"),
		Kind:          tenantdb.KindUpdate,
		Columns:       cols,
		Params:        vals,
		FilterColumns: fcols,
		FilterParams:  fvals,
	})
}

func (h *DataHandler) remove(c *gin.Context) {
	var req dataReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	fcols, fvals := pairs(req.Filter)
	h.execute(c, &tenantdb.Descriptor{
		ProjectID:     req.ProjectID,
		Table:         c.Param("table"),
		Kind:          tenantdb.KindDelete,
		FilterColumns: fcols,
		FilterParams:  fvals,
	})
}
