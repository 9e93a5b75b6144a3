package types

import (
	"mime"
	"strings"
)

// 允许上传的文档类型 (白名单)
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	// ContentTypeOctetStream 仅用于下载时的兜底
	ContentTypeOctetStream = "application/octet-stream"
)

var allowedContentTypes = map[string]struct{}{
	ContentTypePDF:  {},
	ContentTypeDOCX: {},
}

// NormalizeContentType 去掉参数 (如 charset) 并转小写
// "Application/PDF; charset=binary" -> "application/pdf"
func NormalizeContentType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return mediaType
}

// IsAllowedContentType 判断声明的类型是否在白名单内
func IsAllowedContentType(raw string) bool {
	_, ok := allowedContentTypes[NormalizeContentType(raw)]
	return ok
}

// AllowedContentTypes 返回白名单 (固定顺序，便于错误提示)
func AllowedContentTypes() []string {
	return []string{ContentTypePDF, ContentTypeDOCX}
}

// ContentTypeFromExtension 根据扩展名推断类型 (CLI 本地导入用)
func ContentTypeFromExtension(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return ContentTypePDF
	case strings.HasSuffix(lower, ".docx"):
		return ContentTypeDOCX
	default:
		return ""
	}
}
