package ignore

import (
	"fmt"
	"os"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Matcher 封装了排除逻辑
// 它负责判断一个条目名 (archive entry name) 是否应该被拒绝打包
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 用 gitignore 语法编译排除规则
// patterns: 配置中的规则 (archive.exclude)
// file: 可选的规则文件 (archive.exclude_file)，与 patterns 合并编译
// 两者都为空时返回一个永不匹配的 Matcher
func NewMatcher(patterns []string, file string) (*Matcher, error) {
	lines := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, p)
		}
	}

	if file == "" {
		if len(lines) == 0 {
			return &Matcher{}, nil
		}
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(lines...)}, nil
	}

	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("exclude file: %w", err)
	}
	ignorer, err := gitignore.CompileIgnoreFileAndLines(file, lines...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile exclude file %s: %w", file, err)
	}
	return &Matcher{ignorer: ignorer}, nil
}

// Matches 检查给定的条目名是否匹配排除规则
// 返回: true 表示应该排除 (Skip)
func (m *Matcher) Matches(name string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(name)
}
