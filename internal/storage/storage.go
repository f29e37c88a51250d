// Package storage хранит загруженные изображения объявлений.
// Имена файлов уникальны, поэтому повторная загрузка файла с тем же исходным именем
// не перезаписывает ранее сохраненное изображение.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound - ресурс с таким дескриптором отсутствует
var ErrNotFound = errors.New("image not found")

const maxBaseNameLen = 100

// UniqueName строит имя вида <unix-nano>_<случайные 8 hex>_<очищенное исходное имя>
func UniqueName(original string, now time.Time) (string, error) {
	token := make([]byte, 4)
	if _, err := rand.Read(token); err != nil {
		return "", fmt.Errorf("failed to generate name token: %w", err)
	}
	return fmt.Sprintf("%d_%s_%s", now.UnixNano(), hex.EncodeToString(token), SanitizeName(original)), nil
}

// SanitizeName оставляет только базовое имя файла и символы [A-Za-z0-9._-]
func SanitizeName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}

	name := strings.TrimLeft(b.String(), "._")
	if len(name) > maxBaseNameLen {
		name = name[len(name)-maxBaseNameLen:]
	}
	if name == "" {
		return "image"
	}
	return name
}
