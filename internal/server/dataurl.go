package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/bdougie/deepverify/internal/models"
)

var errNotDataURL = errors.New("not a base64 data URL")

// DecodeDataURL parses "data:<media type>;base64,<payload>" into a Frame
func DecodeDataURL(s string) (models.Frame, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return models.Frame{}, errNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return models.Frame{}, errNotDataURL
	}
	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return models.Frame{}, errNotDataURL
	}
	if mediaType != "" && !strings.HasPrefix(mediaType, "image/") {
		return models.Frame{}, fmt.Errorf("unsupported media type %q", mediaType)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return models.Frame{}, fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(data) == 0 {
		return models.Frame{}, errors.New("empty frame")
	}
	return models.Frame{MediaType: mediaType, Data: data}, nil
}
