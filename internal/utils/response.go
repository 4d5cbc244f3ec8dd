package utils

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// ParseLimit reads the limit query parameter, falling back to defaultLimit
// and capping at maxLimit
func ParseLimit(c *gin.Context, defaultLimit int, maxLimit int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit < 1 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// SendErrorResponse sends a standardized error response
func SendErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": message})
}

// SendListResponse sends a list under data together with its length
func SendListResponse(c *gin.Context, statusCode int, data interface{}, count int) {
	c.JSON(statusCode, gin.H{
		"data":  data,
		"count": count,
	})
}
