package uc

import "errors"

var (
	ErrInvalidInput   = errors.New("knowledge: input is required")
	ErrIDMissing      = errors.New("knowledge: id is required")
	ErrQueryMissing   = errors.New("knowledge: query is required")
	ErrConfigMissing  = errors.New("knowledge: configuration is required")
	ErrTextMissing    = errors.New("knowledge: document text is required")
	ErrServiceClosed  = errors.New("knowledge: service is closed")
	ErrSourcesMissing = errors.New("knowledge: no ingestion sources configured")
)
