package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 结构化日志接口，键值对形式传递字段
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
}

// Config 日志配置
type Config struct {
	Level  string   // debug / info / warn / error
	Writer []string // console / file
	File   string   // file writer 输出路径
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New 创建 zerolog 实现的结构化日志器
func New(cfg Config) Logger {
	var writers []io.Writer
	for _, w := range cfg.Writer {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
		case "file":
			path := cfg.File
			if path == "" {
				path = "etldwatch.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   path,
				MaxSize:    32,
				MaxBackups: 3,
				MaxAge:     7,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	return &zeroLogger{zl: zl}
}

// NewNop 创建丢弃所有输出的日志器
func NewNop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

func (l *zeroLogger) Debug(msg string, kv ...any) { emit(l.zl.Debug(), msg, kv) }
func (l *zeroLogger) Info(msg string, kv ...any)  { emit(l.zl.Info(), msg, kv) }
func (l *zeroLogger) Warn(msg string, kv ...any)  { emit(l.zl.Warn(), msg, kv) }
func (l *zeroLogger) Error(msg string, kv ...any) { emit(l.zl.Error(), msg, kv) }

// With 追加固定字段并返回新日志器
func (l *zeroLogger) With(kv ...any) Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(kv); i += 2 {
		ctx = ctx.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	return &zeroLogger{zl: ctx.Logger()}
}

func emit(e *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	e.Msg(msg)
}
