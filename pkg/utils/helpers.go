package utils

import (
	"crypto/md5"
	"encoding/hex"
)

// StringPtr 空串返回 nil
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CalculateMD5 计算字节切片的 MD5 十六进制摘要
func CalculateMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
