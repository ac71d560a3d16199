package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 设置默认值 (Defaults)
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 -> ./.zipfiles -> ~/.zipfiles
		viper.AddConfigPath(".")
		viper.AddConfigPath(".zipfiles")
		viper.AddConfigPath(filepath.Join(home, ".zipfiles"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (ZF_SERVER_ADDR, ZF_ARCHIVE_OPEN_TIMEOUT 等)
	viper.SetEnvPrefix("ZF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件不算错，可能全靠环境变量；格式错误才是错
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("⚠️  No config file found, using defaults/env vars")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		fmt.Println("🔧 Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.grpc_addr", ":9090")

	// 存储
	viper.SetDefault("storage.root", "./uploads")
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.s3.region", "us-east-1")

	// 目录 (sqlite 默认；postgres 使用 database.*)
	viper.SetDefault("catalog.driver", "sqlite")
	viper.SetDefault("catalog.dsn", "zipfiles.db")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.ttl", "5m")

	// 归档
	viper.SetDefault("archive.open_concurrency", 8)
	viper.SetDefault("archive.open_timeout", "30s")
	viper.SetDefault("archive.read_timeout", "60s")
	viper.SetDefault("archive.entry_buffer", 8<<20)
	viper.SetDefault("archive.total_buffer", 256<<20)
	viper.SetDefault("archive.compression_level", 9)
	viper.SetDefault("archive.exclude", []string{})
	viper.SetDefault("archive.exclude_file", "")
	viper.SetDefault("archive.error_manifest", false)

	viper.SetDefault("remote.timeout", "0s")
}
