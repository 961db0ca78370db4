package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/http/api"
	"github.com/router-for-me/PageBlocks/internal/prompt"
)

// PromptsHandler manages per-block prompt templates.
type PromptsHandler struct {
	engine *prompt.Engine
}

// NewPromptsHandler constructs a PromptsHandler.
func NewPromptsHandler(engine *prompt.Engine) *PromptsHandler {
	return &PromptsHandler{engine: engine}
}

// List returns the effective template of every block.
func (h *PromptsHandler) List(c *gin.Context) {
	templates, errList := h.engine.List(c.Request.Context())
	if errList != nil {
		api.Fail(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

// Get returns the effective template of one block.
func (h *PromptsHandler) Get(c *gin.Context) {
	tpl, errGet := h.engine.Template(c.Request.Context(), c.Param("block_type"))
	if errGet != nil {
		api.Fail(c, errGet)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

type updatePromptRequest struct {
	SystemMessage       string `json:"system_message" binding:"required"`
	UserMessageTemplate string `json:"user_message_template" binding:"required"`
}

// Update stores a customised template.
func (h *PromptsHandler) Update(c *gin.Context) {
	var body updatePromptRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		api.Abort(c, http.StatusBadRequest, api.CodeInvalidRequest, "system_message and user_message_template are required")
		return
	}
	tpl, errSave := h.engine.Save(c.Request.Context(), c.Param("block_type"), body.SystemMessage, body.UserMessageTemplate)
	if errSave != nil {
		api.Fail(c, errSave)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// Reset drops the customised template so the built-in default applies.
func (h *PromptsHandler) Reset(c *gin.Context) {
	ctx := c.Request.Context()
	blockType := c.Param("block_type")
	if errReset := h.engine.Reset(ctx, blockType); errReset != nil {
		api.Fail(c, errReset)
		return
	}
	tpl, errGet := h.engine.Template(ctx, blockType)
	if errGet != nil {
		api.Fail(c, errGet)
		return
	}
	c.JSON(http.StatusOK, tpl)
}
