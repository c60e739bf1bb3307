// cmd/server/main.go
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Corphon/SerialWriter/internal/app"
	"github.com/Corphon/SerialWriter/internal/auth"
	"github.com/Corphon/SerialWriter/internal/config"
)

func main() {
	issueToken := flag.String("issue-token", "", "为指定主体签发访问令牌后退出")
	genSecret := flag.Bool("gen-secret", false, "生成随机 AUTH_SECRET 后退出")
	flag.Parse()

	if *genSecret {
		key, err := auth.GenerateSecureKey(32)
		if err != nil {
			log.Fatalf("❌ 生成密钥失败: %v", err)
		}
		fmt.Println(base64.RawURLEncoding.EncodeToString(key))
		return
	}

	log.Println("🚀 启动 SerialWriter 服务器...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s，存储: %s", cfg.Port, cfg.StorageBackend)

	if *issueToken != "" {
		tokens := auth.NewTokenConfig(cfg.AuthSecret, cfg.AuthTokenTTL)
		token, err := auth.GenerateToken(*issueToken, tokens)
		if err != nil {
			log.Fatalf("❌ 签发令牌失败: %v", err)
		}
		fmt.Println(token)
		return
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("❌ 初始化服务失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")
	log.Printf("🔗 访问地址: http://localhost:%s/api/health", cfg.Port)

	if err := application.Run(); err != nil {
		log.Printf("❌ 服务器异常退出: %v", err)
		os.Exit(1)
	}
	log.Println("✅ 服务器优雅关闭完成")
}
