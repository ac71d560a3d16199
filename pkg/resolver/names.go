package resolver

import (
	"fmt"
	"path"
	"strings"

	"zipfiles/pkg/types"
)

// sanitizeName 把展示名压平为一个安全的条目名 (不带目录，不带 ..)
// 全部被清洗掉时回退到 ID
func sanitizeName(name string, id types.FileID) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(path.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "/" || name == "." || name == ".." {
		return sanitizeName(id.String()+".bin", "file")
	}
	return name
}

// nameSet 保证同一个归档内条目名唯一：report.pdf, report (1).pdf, report (2).pdf ...
type nameSet struct {
	used map[string]struct{}
}

func newNameSet() *nameSet {
	return &nameSet{used: make(map[string]struct{})}
}

func (s *nameSet) claim(name string) string {
	if _, taken := s.used[name]; !taken {
		s.used[name] = struct{}{}
		return name
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" { // ".env" 这种
		stem, ext = name, ""
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, taken := s.used[candidate]; !taken {
			s.used[candidate] = struct{}{}
			return candidate
		}
	}
}
