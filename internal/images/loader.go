// Package images implements the image attachment loader (C5, spec.md §4.5,
// §6 "Image inputs"): normalizing a path or inline data URL into a
// validated ChatImageAttachment.
//
// Grounded on the teacher's internal/tui/image.go path/data-URL handling
// and internal/provider/capabilities.go's MIME/extension bookkeeping.
package images

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
)

// allowedExtensions maps a lowercase file extension to its normalized MIME
// type, per spec.md §6's accepted set {png, jpg/jpeg, webp, gif}.
var allowedExtensions = map[string]chatmodel.ImageMimeType{
	".png":  chatmodel.MimePNG,
	".jpg":  chatmodel.MimeJPEG,
	".jpeg": chatmodel.MimeJPEG,
	".webp": chatmodel.MimeWebP,
	".gif":  chatmodel.MimeGIF,
}

var mimeToExt = map[string]chatmodel.ImageMimeType{
	"image/png":  chatmodel.MimePNG,
	"image/jpeg": chatmodel.MimeJPEG,
	"image/jpg":  chatmodel.MimeJPEG,
	"image/webp": chatmodel.MimeWebP,
	"image/gif":  chatmodel.MimeGIF,
}

// Load normalizes a single image input, which is either a filesystem path
// or an inline "data:<mime>;base64,<...>" URL.
func Load(input string) (chatmodel.ChatImageAttachment, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("empty image input")
	}
	if strings.HasPrefix(input, "data:") {
		return loadDataURL(input)
	}
	return loadPath(input)
}

// LoadAll normalizes a batch of image inputs, stopping at the first error
// so callers can surface one clear failure rather than a partial result.
func LoadAll(inputs []string) ([]chatmodel.ChatImageAttachment, error) {
	out := make([]chatmodel.ChatImageAttachment, 0, len(inputs))
	for _, in := range inputs {
		att, err := Load(in)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

func loadPath(path string) (chatmodel.ChatImageAttachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("image path %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("image path %q is not a regular file", path)
	}
	if info.Size() > chatmodel.MaxImageBytes {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("image %q exceeds %d bytes", path, chatmodel.MaxImageBytes)
	}
	mime, ok := allowedExtensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("image %q has unsupported extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("reading image %q: %w", path, err)
	}
	if len(data) > chatmodel.MaxImageBytes {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("image %q exceeds %d bytes", path, chatmodel.MaxImageBytes)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return chatmodel.ChatImageAttachment{
		Path:     path,
		MimeType: mime,
		DataURL:  fmt.Sprintf("data:image/%s;base64,%s", mimeSuffix(mime), encoded),
		ByteSize: len(data),
	}, nil
}

func loadDataURL(url string) (chatmodel.ChatImageAttachment, error) {
	rest := strings.TrimPrefix(url, "data:")
	semi := strings.IndexByte(rest, ';')
	comma := strings.IndexByte(rest, ',')
	if semi < 0 || comma < 0 || comma < semi {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("malformed data URL")
	}
	mimeRaw := rest[:semi]
	encodingTag := rest[semi+1 : comma]
	if encodingTag != "base64" {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("data URL must be base64-encoded")
	}
	mime, ok := mimeToExt[strings.ToLower(mimeRaw)]
	if !ok {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("unsupported image MIME type %q", mimeRaw)
	}
	payload := rest[comma+1:]
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("invalid base64 image payload: %w", err)
	}
	if len(data) > chatmodel.MaxImageBytes {
		return chatmodel.ChatImageAttachment{}, fmt.Errorf("image exceeds %d bytes", chatmodel.MaxImageBytes)
	}
	return chatmodel.ChatImageAttachment{
		MimeType: mime,
		DataURL:  url,
		ByteSize: len(data),
	}, nil
}

func mimeSuffix(mime chatmodel.ImageMimeType) string {
	if mime == chatmodel.MimeJPEG {
		return "jpeg"
	}
	return string(mime)
}
