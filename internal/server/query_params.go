package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/trustscan/pkg/db/pagination"
)

// parsePagination reads page_token and page_size. An absent page_size uses
// the default page size.
func (s *Server) parsePagination(c *gin.Context) (pagination.Pagination, error) {
	var page pagination.Pagination
	page.PageToken = strings.TrimSpace(c.Query("page_token"))

	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return page, newValidationError("page_size", "invalid_page_size", "page_size must be an integer")
		}
		page.PageSize = size
	}
	if err := s.validate.Struct(page); err != nil {
		return page, bindingError(err)
	}
	return page, nil
}
