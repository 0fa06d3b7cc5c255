package document

import (
	"errors"
	"fmt"
)

// ErrPipelineClosed is returned by pipeline operations after Shutdown.
var ErrPipelineClosed = errors.New("document pipeline is closed")

// DocumentNotOpenError occurs when a change or close names a document
// that was never opened.
type DocumentNotOpenError struct {
	URI string
}

func (e *DocumentNotOpenError) Error() string {
	return fmt.Sprintf("document '%s' is not open", e.URI)
}
