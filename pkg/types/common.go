// pkg/types/common.go
package types

import "strings"

// Hash 代表 Blob 内容的指纹 (SHA-256 Hex String)
// 这是一个"值对象"，应当是不可变的。它同时也是去重的唯一键。
type Hash string

func (h Hash) String() string { return string(h) }

// 验证 Hash 合法性
func (h Hash) IsZero() bool { return h == "" }

// IsValid 检查长度和字符集 (必须是小写 hex)
func (h Hash) IsValid() bool {
	if len(h) != 64 {
		return false
	}
	return isLowerHex(string(h))
}

// Short 返回前 8 位，仅用于日志
func (h Hash) Short() string {
	if len(h) <= 8 {
		return string(h)
	}
	return string(h[:8])
}

// HashPrefix 是用户输入的短哈希 (CLI / 下载路径)
type HashPrefix string

func (p HashPrefix) String() string { return string(p) }

// Normalize 去掉空白并转小写
func (p HashPrefix) Normalize() HashPrefix {
	return HashPrefix(strings.ToLower(strings.TrimSpace(string(p))))
}

// IsValid 前缀至少 4 位，且只能是 hex
func (p HashPrefix) IsValid() bool {
	return len(p) >= MinPrefixLen && len(p) <= 64 && isLowerHex(string(p))
}

// MinPrefixLen 短哈希的最小长度
const MinPrefixLen = 4

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
