package commands

import (
	"fmt"
	"os"

	"zipfiles/pkg/app"
	"zipfiles/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	ZF *app.App
)

var rootCmd = &cobra.Command{
	Use:   "zipfiles",
	Short: "zipfiles: streaming archive service, operator tools",
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 远程命令不需要本地依赖；测试里可能已经注入了 ZF
		if cmd.Annotations[remoteAnnotation] != "" || ZF != nil {
			return nil
		}
		var err error
		ZF, err = app.NewApp(cmdContext(cmd))
		if err != nil {
			return fmt.Errorf("failed to initialize zipfiles: %w", err)
		}
		return nil
	},
}

// Execute 是入口
func Execute() error {
	defer func() {
		if ZF != nil {
			_ = ZF.Close()
		}
	}()
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.zipfiles/config.yaml)")

	// 用户既可以在 yaml 里写，也可以用 flag 覆盖
	rootCmd.PersistentFlags().String("storage-root", "", "Directory holding local sources")
	rootCmd.PersistentFlags().String("catalog-dsn", "", "Catalog database DSN (sqlite path or postgres DSN)")
	for key, flag := range map[string]string{
		"storage.root": "storage-root",
		"catalog.dsn":  "catalog-dsn",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Println("Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}
