package ignore

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 批量导入时读取的忽略规则文件
const FileName = ".rvignore"

// defaultRules 强制生效，不能被 .rvignore 覆盖
var defaultRules = []string{
	".rv", // 本地元数据和 Blob 目录
	".git",
	FileName,

	// 凭证与配置
	"config.yaml",
	".env",

	".DS_Store",
	"Thumbs.db",
}

// Matcher 判断一个路径在批量导入时是否跳过
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher rootPath 下有 .rvignore 就和默认规则合并编译
func NewMatcher(rootPath string) (*Matcher, error) {
	ignoreFilePath := filepath.Join(rootPath, FileName)
	if _, err := os.Stat(ignoreFilePath); err != nil {
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(defaultRules...)}, nil
	}

	ignorer, err := gitignore.CompileIgnoreFileAndLines(ignoreFilePath, defaultRules...)
	if err != nil {
		return nil, err
	}
	return &Matcher{ignorer: ignorer}, nil
}

// Matches path 是相对 rootPath 的路径，true 表示跳过
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(filepath.ToSlash(path))
}
