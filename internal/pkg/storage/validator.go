package storage

import (
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrFileTooLarge    = errors.New("file exceeds maximum size")
	ErrInvalidMimeType = errors.New("file type not allowed")
	ErrEmptyFile       = errors.New("file is empty")
)

// AllowedMimeTypes lists the sniffed content types accepted per upload category
var AllowedMimeTypes = map[string][]string{
	"evidence": {"image/jpeg", "image/png", "image/webp", "application/pdf"},
}

// MaxFileSizes caps uploads per category, in bytes
var MaxFileSizes = map[string]int64{
	"evidence": 10 * 1024 * 1024,
}

// Validated is an upload that passed the size and type checks
type Validated struct {
	Data      []byte
	MimeType  string
	Extension string
}

// ValidateFile reads at most the category's size limit and checks the
// content type detected from the file's magic bytes, not its name.
func ValidateFile(reader io.Reader, category string) (*Validated, error) {
	allowedTypes, ok := AllowedMimeTypes[category]
	if !ok {
		return nil, fmt.Errorf("unknown category: %s", category)
	}
	maxSize, ok := MaxFileSizes[category]
	if !ok {
		maxSize = 10 * 1024 * 1024
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(data)) > maxSize {
		return nil, ErrFileTooLarge
	}

	mtype := mimetype.Detect(data)
	for _, t := range allowedTypes {
		if mtype.Is(t) {
			return &Validated{Data: data, MimeType: t, Extension: mtype.Extension()}, nil
		}
	}
	return nil, ErrInvalidMimeType
}
