package workflow

import (
	"time"

	"github.com/google/uuid"
)

func newUUID() string {
	return uuid.New().String()
}

// Clock 时间来源, 测试时替换成固定时间
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
