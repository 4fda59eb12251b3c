package telemetry

import (
	"github.com/tidwall/sjson"

	"etldwatch/internal/host"
	"etldwatch/internal/logger"
	"etldwatch/pkg/model"
)

// Emitter 遥测发射器：无状态，组装事件后转发给宿主落点
type Emitter struct {
	sink     host.Sink
	category string
	log      logger.Logger
}

// New 创建遥测发射器，category 为空时取默认分类
func New(sink host.Sink, category string, l logger.Logger) *Emitter {
	if category == "" {
		category = model.CategoryDefault
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Emitter{sink: sink, category: category, log: l}
}

// Emit 转发一次已归因事件，尽力而为：落点缺失时静默丢弃
func (e *Emitter) Emit(method, object, value string, extra model.EventExtra) {
	if e.sink == nil {
		return
	}
	ev := model.TelemetryEvent{
		Category: e.category,
		Method:   method,
		Object:   object,
		Value:    value,
		Extra:    extra,
	}
	e.sink.Emit(ev)
	e.log.Debug("遥测事件已发射",
		"object", object, "value", value,
		"addonId", extra.AddonID, "from", extra.From, "to", extra.To)
}

// Encode 将事件编码为外发 JSON 负载
func Encode(ev model.TelemetryEvent) string {
	out, _ := sjson.Set("", "category", ev.Category)
	out, _ = sjson.Set(out, "method", ev.Method)
	out, _ = sjson.Set(out, "object", ev.Object)
	out, _ = sjson.Set(out, "value", ev.Value)
	out, _ = sjson.Set(out, "extra.addonId", ev.Extra.AddonID)
	out, _ = sjson.Set(out, "extra.addonVersion", ev.Extra.AddonVersion)
	out, _ = sjson.Set(out, "extra.from", ev.Extra.From)
	out, _ = sjson.Set(out, "extra.to", ev.Extra.To)
	return out
}
