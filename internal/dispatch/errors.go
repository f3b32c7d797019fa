package dispatch

import "errors"

// Ошибки диспетчера.
var (
	// ErrUnknownJobType — нет executor для данного типа job.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)
