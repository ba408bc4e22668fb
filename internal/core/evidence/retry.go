package evidence

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mattn/go-sqlite3"
)

// 忙重试参数
const (
	// retryMaxAttempts 最大尝试次数
	retryMaxAttempts = 5

	// retryBaseDelay 首次重试前的基础延迟
	retryBaseDelay = 100 * time.Millisecond

	// retryMultiplier 每次重试延迟的倍增系数
	retryMultiplier = 2

	// retryMaxJitterMs 叠加在延迟上的随机抖动上限（毫秒）
	retryMaxJitterMs = 50
)

// ErrBusy 存储在重试耗尽后仍然繁忙
var ErrBusy = errors.New("evidence store busy")

// isBusy 判断错误是否为 sqlite 的繁忙 / 锁定错误
//
// 只有这两类错误值得重试，其他错误一律立即向上传播。
func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// withRetry 以指数退避执行一次存储变更
//
// 最多 5 次尝试，基础延迟 100ms，每次翻倍，叠加至多 50ms 抖动。
// 非繁忙错误立即传播；重试耗尽返回包装的 ErrBusy。
func (s *Store) withRetry(op string, fn func() error) error {
	delay := retryBaseDelay
	var err error

	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == retryMaxAttempts {
			break
		}

		wait := delay + time.Duration(rand.Intn(retryMaxJitterMs+1))*time.Millisecond
		logger.Debug("store busy, backing off",
			"op", op,
			"attempt", attempt,
			"wait", wait)

		s.clk.Sleep(wait)
		delay *= retryMultiplier
	}

	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrBusy, op, retryMaxAttempts, err)
}
