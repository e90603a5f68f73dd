package engine

import (
	"encoding/base64"
	"errors"

	"rsc.io/qr"
)

const pngDataURLPrefix = "data:image/png;base64,"

// RenderQR превращает код привязки в PNG-картинку в виде data URL,
// пригодную для отдачи в браузер как есть.
func RenderQR(code string) (string, error) {
	if code == "" {
		return "", errors.New("empty pairing code")
	}
	c, err := qr.Encode(code, qr.M)
	if err != nil {
		return "", err
	}
	// Модуль в 1px не сканируется с экрана
	c.Scale = 8
	return PNGDataURL(c.PNG()), nil
}

// PNGDataURL кодирует PNG в data URL.
func PNGDataURL(png []byte) string {
	return pngDataURLPrefix + base64.StdEncoding.EncodeToString(png)
}
