package replica

import (
	"encoding/json"
	"sort"
)

// Content 物化后的文档内容：字段名 -> 文本
type Content struct {
	Fields map[string]string `json:"fields"`
}

// JSON 返回规范化的 JSON（encoding/json 对 map 按 key 排序），可以直接拿来比较和做哈希
func (c Content) JSON() string {
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	b, _ := json.Marshal(c)
	return string(b)
}

func (c Content) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for k := range c.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (c Content) Equal(o Content) bool {
	if len(c.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range c.Fields {
		if ov, ok := o.Fields[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func ParseContent(s string) (Content, error) {
	var c Content
	if s == "" {
		return Content{Fields: map[string]string{}}, nil
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Content{}, err
	}
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	return c, nil
}
