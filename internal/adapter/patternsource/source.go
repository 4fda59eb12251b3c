package patternsource

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"etldwatch/pkg/model"
)

// Source 从 JSON 文档读取模式表。文档结构：
//
//	{"https://search.example.com/*": ["addon1", "addon2"], ...}
//
// 键的出现顺序即注册表的匹配顺序。
type Source struct {
	path string
}

// New 创建模式表来源
func New(path string) *Source {
	return &Source{path: path}
}

// Patterns 读取并解析模式文档
func (s *Source) Patterns() (model.PatternMap, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, fmt.Errorf("模式文档不是 JSON 对象: %s", s.path)
	}

	var pm model.PatternMap
	doc.ForEach(func(key, value gjson.Result) bool {
		entry := model.PatternEntry{Pattern: model.Pattern(key.String())}
		for _, item := range value.Array() {
			if id := item.String(); id != "" {
				entry.ActorIDs = append(entry.ActorIDs, model.ActorID(id))
			}
		}
		pm = append(pm, entry)
		return true
	})
	return pm, nil
}
