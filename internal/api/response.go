package api

import "github.com/gin-gonic/gin"

// envelope is the body of every JSON response.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func success(c *gin.Context, code int, data interface{}) {
	c.JSON(code, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, envelope{Success: false, Error: msg})
}
