package common

import "github.com/gin-gonic/gin"

// Uniform JSON envelope: code 0 means success, non-zero codes identify
// the failure class (1xxxx validation, 2xxxx infra, 4xxxx not found/auth,
// 5xxxx internal).
func Ok(c *gin.Context, data any) {
	c.JSON(200, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
