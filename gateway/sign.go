package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timeNowMillis 可替换的毫秒时钟，测试中固定时间戳以便校验签名。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// SignParams 按 MEXC 规则构造签名查询串：
// key 升序排列、空值丢弃、追加 timestamp 后对整串做 HMAC-SHA256。
// 返回包含 timestamp 的 query 与十六进制签名；secret 不出现在返回值中。
func SignParams(params map[string]string, secret string) (query, signature string) {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	pairs = append(pairs, "timestamp="+strconv.FormatInt(timeNowMillis(), 10))
	query = strings.Join(pairs, "&")

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(query))
	signature = hex.EncodeToString(h.Sum(nil))
	return query, signature
}
