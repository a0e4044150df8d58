package media

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// MaxPhotoBytes bounds an uploaded photo after decoding.
const MaxPhotoBytes = 10 << 20

// DecodeDataURL accepts a base64 "data:<type>;base64,<payload>" string, or
// bare base64, and returns the bytes with their content type.
func DecodeDataURL(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", nil
	}
	contentType := ""
	payload := s
	if strings.HasPrefix(s, "data:") {
		header, rest, ok := strings.Cut(s, ",")
		if !ok {
			return nil, "", fmt.Errorf("photo: malformed data url")
		}
		meta := strings.TrimPrefix(header, "data:")
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("photo: data url is not base64")
		}
		contentType = strings.TrimSuffix(meta, ";base64")
		payload = rest
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("photo: %w", err)
	}
	if len(data) > MaxPhotoBytes {
		return nil, "", fmt.Errorf("photo: larger than %d bytes", MaxPhotoBytes)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("photo: unsupported content type %q", contentType)
	}
	return data, contentType, nil
}
