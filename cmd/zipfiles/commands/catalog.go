package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"zipfiles/pkg/catalog"
	"zipfiles/pkg/types"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage catalog entries",
}

// add 的参数
var (
	addID       string
	addName     string
	addDiskName string
	addStorage  string
	addLocator  string
	addSize     int64
	addFile     string
	listLimit   int
)

var catalogAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a file in the catalog",
	Long: `Register a file in the catalog.

With --file the content is uploaded to the configured storage driver first,
under --disk-name (default: the file's base name).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ZF == nil {
			return fmt.Errorf("app not initialized")
		}
		ctx := cmdContext(cmd)

		f := catalog.File{
			ID:               addID,
			Storage:          addStorage,
			FilenameDisk:     addDiskName,
			FilenameDownload: addName,
			Filesize:         addSize,
		}
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.Storage == catalog.StorageRemote {
			f.Location = addLocator
		} else if addLocator != "" && f.FilenameDisk == "" {
			f.FilenameDisk = addLocator
		}

		if addFile != "" {
			if f.Storage == catalog.StorageRemote {
				return fmt.Errorf("--file cannot be used with remote storage")
			}
			if err := upload(ctx, &f, addFile); err != nil {
				return err
			}
		}

		if err := ZF.Repository.Upsert(ctx, &f); err != nil {
			return err
		}
		if ZF.Cache != nil {
			if err := ZF.Cache.Invalidate(ctx, types.FileID(f.ID)); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  cache invalidation failed: %v\n", err)
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s -> %s (%s)\n", f.ID, f.DisplayName(), f.Kind())
		return nil
	},
}

// upload 把本地文件写进存储驱动，并回填 disk name 与大小
func upload(ctx context.Context, f *catalog.File, path string) error {
	if ZF.Store == nil {
		return fmt.Errorf("no storage driver configured (storage.type=none)")
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	if f.FilenameDisk == "" {
		f.FilenameDisk = filepath.Base(path)
	}
	if f.FilenameDownload == "" {
		f.FilenameDownload = filepath.Base(path)
	}
	f.Filesize = info.Size()

	if err := ZF.Store.Put(ctx, f.FilenameDisk, src, info.Size()); err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return nil
}

var catalogListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List catalog entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ZF == nil {
			return fmt.Errorf("app not initialized")
		}
		files, err := ZF.Repository.List(cmdContext(cmd), listLimit)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Catalog is empty.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTORAGE\tNAME\tLOCATOR\tSIZE")
		for _, f := range files {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.ID, f.Storage, f.DisplayName(), f.Locator(), fmtSize(f.Filesize))
		}
		return tw.Flush()
	},
}

var catalogRemoveCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Remove catalog entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ZF == nil {
			return fmt.Errorf("app not initialized")
		}
		ids := make([]types.FileID, len(args))
		for i, a := range args {
			ids[i] = types.FileID(a)
		}

		n, err := ZF.Repository.Delete(cmdContext(cmd), ids...)
		if err != nil {
			return err
		}
		if ZF.Cache != nil {
			_ = ZF.Cache.Invalidate(cmdContext(cmd), ids...)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🗑️  removed %d of %d entries\n", n, len(ids))
		return nil
	},
}

// cmdContext 兼容直接调用 RunE (测试) 时 ctx 为空的情况
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func fmtSize(s int64) string {
	if s == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", s)
}

func init() {
	catalogAddCmd.Flags().StringVar(&addID, "id", "", "file id (default: random uuid)")
	catalogAddCmd.Flags().StringVar(&addName, "name", "", "download name shown inside the archive")
	catalogAddCmd.Flags().StringVar(&addDiskName, "disk-name", "", "file name on disk / object key")
	catalogAddCmd.Flags().StringVar(&addStorage, "storage", catalog.StorageLocal, "local, remote, or a driver name (s3, disk)")
	catalogAddCmd.Flags().StringVar(&addLocator, "locator", "", "URL for remote entries, key otherwise")
	catalogAddCmd.Flags().Int64Var(&addSize, "size", 0, "size hint in bytes")
	catalogAddCmd.Flags().StringVar(&addFile, "file", "", "upload this local file to the storage driver")

	catalogListCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum number of entries")

	catalogCmd.AddCommand(catalogAddCmd, catalogListCmd, catalogRemoveCmd)
	rootCmd.AddCommand(catalogCmd)
}
