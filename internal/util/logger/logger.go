// Package logger 提供 overlay 的统一日志系统
//
// 基于标准库 log/slog，支持按子系统配置日志级别和结构化输出。
//
// 使用示例:
//
//	var log = logger.Logger("dht")
//
//	func foo() {
//	    log.Debug("FIND_NODE 响应", "peer", id.ShortString(), "closer", len(peers))
//	}
//
// 环境变量配置:
//
//	# 所有模块为 info，dht 为 debug
//	OVERLAY_LOG_LEVEL=dht=debug,info
//
//	# JSON 格式输出
//	OVERLAY_LOG_FORMAT=json
package logger

import (
	"io"
	"log/slog"
	"sync"

	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggers  sync.Map // map[string]*slog.Logger
	handlers sync.Map // map[string]*subsystemHandler
)

// Logger 获取指定子系统的 Logger
//
// 同一子系统多次调用返回相同实例。
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := ConfigFromEnv()
	h := newHandler(subsystem, cfg.LevelForSubsystem(subsystem), cfg)

	actual, loaded := loggers.LoadOrStore(subsystem, slog.New(h))
	if !loaded {
		handlers.Store(subsystem, h)
	}
	return actual.(*slog.Logger)
}

// SetLevel 动态设置子系统的日志级别
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).level.Set(level)
	}
}

// SetGlobalLevel 设置所有已创建子系统的日志级别
func SetGlobalLevel(level slog.Level) {
	handlers.Range(func(_, value any) bool {
		value.(*subsystemHandler).level.Set(level)
		return true
	})
}

// SetOutput 设置全局日志输出目标
//
// 已创建的 Logger 同样会重定向。
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
}

// Discard 返回丢弃所有日志的 Logger
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// FxLogger 返回 fx 生命周期事件的日志器
//
// 仅当 "fx" 子系统开启 debug 时输出，写入与 slog 相同的目标。
func FxLogger() fxevent.Logger {
	if ConfigFromEnv().LevelForSubsystem("fx") > slog.LevelDebug {
		return fxevent.NopLogger
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(dynamicWriter{}),
		zapcore.DebugLevel,
	)
	return &fxevent.ZapLogger{Logger: zap.New(core).Named("fx")}
}
