package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	inferencedomain "github.com/smallbiznis/trustscan/internal/inference/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type submitScanRequest struct {
	ProductName string `json:"product_name" validate:"required,max=200"`
	Brand       string `json:"brand" validate:"omitempty,max=100"`
	ProductURL  string `json:"product_url" validate:"omitempty,url"`
	Mode        string `json:"mode" validate:"required,oneof=fast deep"`
}

func (s *Server) SubmitScan(c *gin.Context) {
	id := identityFrom(c)
	if id == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req submitScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ProductName = strings.TrimSpace(req.ProductName)
	req.Brand = strings.TrimSpace(req.Brand)
	req.ProductURL = strings.TrimSpace(req.ProductURL)
	if err := s.validate.Struct(req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	c.Set("scan_mode", req.Mode)

	out, err := s.scanSvc.SubmitScan(c.Request.Context(), scandomain.SubmitRequest{
		AccountID:     id.AccountID,
		Authenticated: id.Authenticated,
		ContactEmail:  id.Email,
		RequestID:     strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
		Descriptor: inferencedomain.Descriptor{
			ProductName: req.ProductName,
			Brand:       req.Brand,
			ProductURL:  req.ProductURL,
		},
		Mode: plandomain.Mode(req.Mode),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": out})
}

func (s *Server) ListScans(c *gin.Context) {
	id := identityFrom(c)
	page, err := s.parsePagination(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.scanSvc.ListHistory(c.Request.Context(), scandomain.ListHistoryRequest{
		AccountID:  id.AccountID,
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":            resp.Scans,
		"next_page_token": resp.NextPageToken,
		"has_more":        resp.HasMore,
	})
}

func (s *Server) GetScan(c *gin.Context) {
	id := identityFrom(c)
	requestID := strings.TrimSpace(c.Param("request_id"))
	if requestID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	scan, err := s.scanSvc.GetResult(c.Request.Context(), id.AccountID, requestID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": scan})
}

func (s *Server) GetSharedReport(c *gin.Context) {
	shareID := strings.TrimSpace(c.Param("share_id"))
	if shareID == "" {
		AbortWithError(c, ErrNotFound)
		return
	}

	report, err := s.scanSvc.GetShared(c.Request.Context(), shareID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, gin.H{"data": report})
}
