package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeServerError = 500
)

// 业务错误码
const (
	CodeAccountNotFound     = 1001
	CodeAccountIneligible   = 1002
	CodeInsufficientFunds   = 1003
	CodeLimitExceeded       = 1004
	CodeSystemBusy          = 1005 // 可重试
	CodeTransactionNotFound = 1006
	CodeInvalidState        = 1007
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Details []string    `json:"details,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ValidationError 参数校验失败，附带全部违规项
func ValidationError(c *gin.Context, message string, details []string) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeParamError,
		Message: message,
		Details: details,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
