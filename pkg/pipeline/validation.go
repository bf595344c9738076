package pipeline

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
)

// MaxUploadBytes bounds the size of a submitted drawing.
const MaxUploadBytes = 5 << 20

const maxPromptRunes = 1000

var extensionsByContentType = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
}

// SubmitRequest describes a new drawing.
type SubmitRequest struct {
	OwnerID         string
	Image           []byte
	ContentType     string
	UserPrompt      string
	EnhancementType creation.EnhancementType
	CustomPrompt    string
}

// validateSubmission checks the request and returns the detected content type.
func validateSubmission(request SubmitRequest) (string, error) {
	if strings.TrimSpace(request.OwnerID) == "" {
		return "", validationError("owner id is required")
	}
	if len(request.Image) == 0 {
		return "", validationError("image is required")
	}
	if len(request.Image) > MaxUploadBytes {
		return "", validationError("image exceeds %d bytes", MaxUploadBytes)
	}
	declared := strings.ToLower(strings.TrimSpace(request.ContentType))
	if declared != "" && !strings.HasPrefix(declared, "image/") {
		return "", validationError("content type %q is not an image", request.ContentType)
	}
	detected := http.DetectContentType(request.Image)
	if _, supported := extensionsByContentType[detected]; !supported {
		return "", validationError("unsupported image format %q", detected)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(request.Image)); err != nil {
		return "", validationError("image cannot be decoded: %v", err)
	}
	if len([]rune(request.UserPrompt)) > maxPromptRunes || len([]rune(request.CustomPrompt)) > maxPromptRunes {
		return "", validationError("prompt exceeds %d characters", maxPromptRunes)
	}
	return detected, nil
}

func originalObjectKey(id creation.ID, contentType string) string {
	return "uploads/" + id.String() + extensionsByContentType[contentType]
}
