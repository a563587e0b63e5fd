package gateway

import (
	"errors"
	"fmt"
)

// ErrAuth 凭证缺失或格式错误，会话启动时即失败。
var ErrAuth = errors.New("api credentials missing or malformed")

// RejectedError 交易所以非 2xx 状态拒绝了请求；Body 为上游原文，便于排查。
type RejectedError struct {
	Action string // place / cancel
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: status %d: %s", e.Action, e.Status, e.Body)
}

// IsRejected 判断是否交易所拒单（区别于网络/超时错误）。
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
