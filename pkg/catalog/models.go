package catalog

import (
	"strings"
	"time"

	"zipfiles/pkg/types"

	"gorm.io/datatypes"
)

// Storage 取值约定
const (
	StorageLocal  = "local"  // filename_disk 相对于 storage.root
	StorageRemote = "remote" // location 是一个 http(s) URL
)

// File 是目录中一条文件记录
// filename_download 是下载时的文件名，filename_disk 是存储上的文件名
type File struct {
	ID string `gorm:"primaryKey;type:varchar(64)"`

	// Storage 决定字节源类型：local / remote / 其它任意值交给存储驱动 (例如 "s3")
	Storage string `gorm:"type:varchar(64);not null;default:local"`

	FilenameDisk     string `gorm:"type:varchar(255)"`
	FilenameDownload string `gorm:"type:varchar(255)"`

	// Location 仅 remote 使用；其它类型非空时覆盖 FilenameDisk 作为定位符
	Location string `gorm:"type:text"`

	Filesize int64
	Type     string `gorm:"type:varchar(255)"` // MIME

	// Meta: 任意附加元数据 (标签、来源等)，不参与解析
	Meta datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 强制指定表名
func (File) TableName() string {
	return "files"
}

// Kind 把 Storage 字段映射为字节源类型
func (f File) Kind() types.SourceKind {
	switch strings.ToLower(strings.TrimSpace(f.Storage)) {
	case "", StorageLocal:
		return types.KindLocal
	case StorageRemote:
		return types.KindRemote
	default:
		return types.KindDriverManaged
	}
}

// Locator 返回字节源定位符 (路径 / URL / 驱动 key)
func (f File) Locator() string {
	if f.Location != "" {
		return f.Location
	}
	return f.FilenameDisk
}

// DisplayName 优先使用下载名，缺失时回退到磁盘名，最后回退到 ID
func (f File) DisplayName() string {
	if name := strings.TrimSpace(f.FilenameDownload); name != "" {
		return name
	}
	if name := strings.TrimSpace(f.FilenameDisk); name != "" {
		return name
	}
	return f.ID
}
