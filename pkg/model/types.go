package model

type MonitorID string
type ActorID string
type RequestID string

// Pattern URL 前缀模式：字面前缀加通配符结尾，如 https://search.example.com/*
type Pattern string

// Prefix 返回通配符之前的字面前缀部分
func (p Pattern) Prefix() string {
	for i := 0; i < len(p); i++ {
		if p[i] == '*' {
			return string(p[:i])
		}
	}
	return string(p)
}

// PatternEntry 单条模式到归属扩展列表的映射
type PatternEntry struct {
	Pattern  Pattern   `json:"pattern"`
	ActorIDs []ActorID `json:"actorIds"`
}

// PatternMap 有序模式表，匹配按插入顺序取第一条命中
type PatternMap []PatternEntry

// MonitorConfig 监控会话配置
type MonitorConfig struct {
	DevToolsURL     string            `json:"devToolsURL"`
	Target          string            `json:"target"`
	PatternsPath    string            `json:"patternsPath"`
	FollowTimeoutMS int               `json:"followTimeoutMS"`
	Category        string            `json:"category"`
	ActorVersions   map[string]string `json:"actorVersions"`
	EventBuffer     int               `json:"eventBuffer"`
}

// 遥测事件的固定取值
const (
	CategoryDefault  = "addonsSearchExperiment"
	MethodETLDChange = "etld_change"

	ObjectWebRequest = "webrequest"
	ObjectOther      = "other"

	ValueExtension = "extension"
	ValueServer    = "server"
)

// EventExtra 遥测事件附加字段，键名与外发 schema 保持一致
type EventExtra struct {
	AddonID      string `json:"addonId"`
	AddonVersion string `json:"addonVersion"`
	From         string `json:"from"`
	To           string `json:"to"`
}

// TelemetryEvent 一次已归因的域变更事件
type TelemetryEvent struct {
	Category string     `json:"category"`
	Method   string     `json:"method"`
	Object   string     `json:"object"`
	Value    string     `json:"value"`
	Extra    EventExtra `json:"extra"`
}

// EngineStats 关联器运行统计
type EngineStats struct {
	Observed   int64 `json:"observed"`
	Suppressed int64 `json:"suppressed"`
	Reported   int64 `json:"reported"`
	Tracked    int64 `json:"tracked"`
}
