package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/psds-microservice/support-chat/internal/auth"
	"github.com/psds-microservice/support-chat/internal/errs"
)

type UploadHandler struct {
	signer *auth.URLSigner
}

func NewUploadHandler(signer *auth.URLSigner) *UploadHandler {
	return &UploadHandler{signer: signer}
}

// Signed returns a short-lived URL for a stored attachment, looked up by its base name.
// Staff only: end-users see attachments through the plain upload path.
func (h *UploadHandler) Signed(c *gin.Context) {
	if a, ok := auth.ActorFrom(c); !ok || !a.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": errs.ErrForbidden.Error()})
		return
	}
	u, err := h.signer.Sign(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": u})
}

// Check answers the file host's auth subrequest for a signed link: 204 lets the
// download through, 403 refuses it.
func (h *UploadHandler) Check(c *gin.Context) {
	if err := h.signer.Verify(c.Param("name"), c.Query("signature")); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
