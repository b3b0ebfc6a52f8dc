package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LENAX/node-engine/pkg/api"
	"github.com/LENAX/node-engine/pkg/core/engine"
	"github.com/LENAX/node-engine/pkg/log"
)

var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/engine.yaml", "引擎配置文件路径")
	host := flag.String("host", "", "监听地址（覆盖配置文件）")
	port := flag.Int("port", 0, "监听端口（覆盖配置文件）")
	flag.Parse()

	log.Infof("🚀 Node Engine Server v%s (%s, %s)", Version, GitCommit, BuildTime)
	log.Infof("📄 配置文件: %s", *configPath)

	// 1. 构建Engine
	ctx := context.Background()
	eng, err := registerBuiltins(engine.NewEngineBuilder(*configPath)).Build(ctx)
	if err != nil {
		log.Fatalf("❌ 创建Engine失败: %v", err)
	}

	// 2. 启动Engine（Worker池、Janitor、定时调度）
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("❌ 启动Engine失败: %v", err)
	}

	// 3. 创建并启动API服务器
	var apiServer *api.APIServer
	apiCfg := eng.Config().NodeEngine.API
	if apiCfg.Enabled {
		if *host != "" {
			apiCfg.Host = *host
		}
		if *port > 0 {
			apiCfg.Port = *port
		}
		apiServer = api.NewAPIServer(eng, api.ServerConfigFrom(apiCfg), Version)
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Errorf("❌ API服务器错误: %v", err)
			}
		}()
		log.Infof("✅ Node Engine Server started on %s", apiServer.Addr())
	} else {
		log.Infof("✅ Node Engine Server started (API disabled)")
	}

	// 4. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("🛑 正在关闭服务...")

	// 5. 优雅关闭：先停止接收请求，再排空Worker
	shutdownTimeout := eng.Config().NodeEngine.Execution.ShutdownTimeout + 5*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("⚠️ 关闭API服务器失败: %v", err)
		}
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Warnf("⚠️ 关闭Engine失败: %v", err)
	}
	log.Infof("✅ 服务已停止")
}
