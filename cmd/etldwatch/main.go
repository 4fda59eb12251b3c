package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"etldwatch/internal/config"
	"etldwatch/internal/logger"
	"etldwatch/internal/telemetry"
	"etldwatch/pkg/api"
	"etldwatch/pkg/model"
)

// main 接线入口：加载配置，附加浏览器，把遥测事件打印到标准输出
func main() {
	cfgPath := flag.String("config", "", "配置文件路径（YAML）")
	devtools := flag.String("devtools", "http://127.0.0.1:9222", "DevTools 调试地址")
	flag.Parse()

	cfg := config.NewConfig()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "加载配置失败:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	l := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Writer: cfg.Log.Writer,
		File:   cfg.Log.File,
	})

	svc := api.NewService(l)
	id, err := svc.StartMonitor(model.MonitorConfig{
		DevToolsURL:     *devtools,
		PatternsPath:    cfg.Patterns.Path,
		FollowTimeoutMS: int(cfg.FollowTimeout().Milliseconds()),
		Category:        cfg.Telemetry.Category,
	})
	if err != nil {
		l.Error("启动监控失败", "error", err)
		os.Exit(1)
	}

	events, err := svc.SubscribeEvents(id)
	if err != nil {
		l.Error("订阅事件失败", "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Println(telemetry.Encode(ev))
		case s := <-sig:
			if s == syscall.SIGHUP {
				// SIGHUP 重新加载模式表并重建订阅
				if err := svc.Monitor(id); err != nil {
					l.Warn("重建订阅失败", "error", err)
				}
				continue
			}
			if stats, err := svc.Stats(id); err == nil {
				l.Info("最终统计",
					"observed", stats.Observed,
					"suppressed", stats.Suppressed,
					"reported", stats.Reported)
			}
			if err := svc.StopMonitor(id); err != nil {
				l.Warn("停止监控失败", "error", err)
			}
			return
		}
	}
}
