package cache

import (
	"fmt"

	"go.uber.org/zap"

	"tilevault/internal/tilecodec"
)

// NewBackend creates a tile overflow backend based on the backend type
func NewBackend(backendType, compression string, log *zap.Logger) (Backend, error) {
	codec, err := tilecodec.New(compression)
	if err != nil {
		return nil, err
	}

	switch backendType {
	case "file":
		log.Info("Using file overflow", zap.String("compression", compression))
		return NewFileBackend(codec), nil
	case "memory":
		log.Info("Using in-memory overflow", zap.String("compression", compression))
		return NewMemoryBackend(codec), nil
	default:
		return nil, fmt.Errorf("unknown overflow type: %s (supported: file, memory)", backendType)
	}
}
