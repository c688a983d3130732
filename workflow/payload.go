package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// 实例数据中引擎会读取的key
const (
	PayloadKeyAmount     = "amount"
	PayloadKeyDepartment = "department"
	PayloadKeyUrgent     = "urgent"
	PayloadKeyFlags      = "flags"
)

// Payload 实例的业务数据(金额, 部门, 供应商等), 支持嵌套路径读写
// Payload 本身不是并发安全的, 引擎只在持有实例锁的时候修改副本
type Payload struct {
	data map[string]any
}

// NewPayload 从 map 创建, m 会被深拷贝
func NewPayload(m map[string]any) *Payload {
	return &Payload{data: deepCopyMap(m)}
}

// NewPayloadFromBytes 从 JSON 字节创建
func NewPayloadFromBytes(b []byte) (*Payload, error) {
	p := &Payload{data: make(map[string]any)}
	if len(b) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&p.data); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p.data == nil {
		p.data = make(map[string]any)
	}
	return p, nil
}

// Get 获取值，支持嵌套路径
// 例如: Get("vendor", "name") 获取 vendor.name
func (p *Payload) Get(keys ...string) (any, bool) {
	if p == nil || len(keys) == 0 {
		return nil, false
	}
	current := any(p.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

func (p *Payload) GetString(keys ...string) (string, bool) {
	val, ok := p.Get(keys...)
	if !ok {
		return "", false
	}
	switch v := val.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case fmt.Stringer:
		return v.String(), true
	}
	return "", false
}

// GetDecimal 金额统一用 decimal 处理, 兼容 JSON 数字, 字符串和 go 数字类型
func (p *Payload) GetDecimal(keys ...string) (decimal.Decimal, bool) {
	val, ok := p.Get(keys...)
	if !ok {
		return decimal.Zero, false
	}
	return toDecimal(val)
}

func (p *Payload) GetFloat64(keys ...string) (float64, bool) {
	d, ok := p.GetDecimal(keys...)
	if !ok {
		return 0, false
	}
	return d.InexactFloat64(), true
}

// GetBool 获取布尔值, "true"/"false" 字符串也可以
func (p *Payload) GetBool(keys ...string) (bool, bool) {
	val, ok := p.Get(keys...)
	if !ok {
		return false, false
	}
	switch v := val.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
	}
	return false, false
}

// Set 设置值，支持嵌套路径, 中间路径不是 map 的会被覆盖
func (p *Payload) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys cannot be empty")
	}
	current := p.data
	for i := 0; i < len(keys)-1; i++ {
		nextMap, ok := current[keys[i]].(map[string]any)
		if !ok {
			nextMap = make(map[string]any)
			current[keys[i]] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// Merge 把 m 合并进来, 嵌套的 map 递归合并, 其余类型后者覆盖前者
func (p *Payload) Merge(m map[string]any) {
	mergeInto(p.data, m)
}

func mergeInto(dst map[string]any, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[k] = deepCopyValue(v)
	}
}

// Clone 深拷贝
func (p *Payload) Clone() *Payload {
	if p == nil {
		return NewPayload(nil)
	}
	return &Payload{data: deepCopyMap(p.data)}
}

// ToMap 返回深拷贝, 调用方修改不会影响 Payload
func (p *Payload) ToMap() map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return deepCopyMap(p.data)
}

func (p *Payload) ToBytes() ([]byte, error) {
	return json.Marshal(p.data)
}

func (p *Payload) ToBytesWithoutError() []byte {
	b, err := p.ToBytes()
	if err != nil {
		return nil
	}
	return b
}

// Unmarshal 将数据反序列化到指定结构体
func (p *Payload) Unmarshal(v any) error {
	b, err := p.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (p *Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.data)
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	parsed, err := NewPayloadFromBytes(b)
	if err != nil {
		return err
	}
	p.data = parsed.data
	return nil
}

func deepCopyMap(m map[string]any) map[string]any {
	ret := make(map[string]any, len(m))
	for k, v := range m {
		ret[k] = deepCopyValue(v)
	}
	return ret
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		ret := make([]any, len(t))
		for i, item := range t {
			ret[i] = deepCopyValue(item)
		}
		return ret
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

func toDecimal(val any) (decimal.Decimal, bool) {
	switch v := val.(type) {
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case int32:
		return decimal.NewFromInt32(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	}
	return decimal.Zero, false
}
