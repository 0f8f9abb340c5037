// Package runtime resolves handler names to executable code and dispatches
// them across the configured execution lane: a subprocess worker pool for
// script handlers, an embedded interpreter, or the in-process native
// registry.
package runtime

import (
	"context"

	"github.com/lodeworks/ferrite/internal/handler"
)

// Language identifies which lane executes external handlers for an executor
// instance. The choice is fixed per instance from configuration.
type Language string

const (
	// LanguageTypeScript routes handlers to the subprocess worker pool.
	LanguageTypeScript Language = "typescript"
	// LanguageStarlark routes handlers to the embedded interpreter.
	LanguageStarlark Language = "starlark"
	// LanguageGo routes handlers to the in-process native registry; they are
	// compiled into the process and never resolved as files.
	LanguageGo Language = "go"
)

// FileExtension returns the handler source extension for the language, or ""
// when handlers are never resolved from files.
func (l Language) FileExtension() string {
	switch l {
	case LanguageTypeScript:
		return "ts"
	case LanguageStarlark:
		return "star"
	default:
		return ""
	}
}

// ResolvesFiles reports whether handlers of this language live on disk.
func (l Language) ResolvesFiles() bool {
	return l.FileExtension() != ""
}

// Lane is one pluggable handler-execution backend. A lane failure is an
// error here; the executor converts it into a failed Result.
type Lane interface {
	// Execute runs the handler at handlerPath (empty for lanes that do not
	// resolve files) with the given dispatch context.
	Execute(ctx context.Context, handlerPath string, hctx handler.Context) (handler.Result, error)

	// Name identifies the lane in logs and metrics.
	Name() string
}

// Config fixes an executor's lane choice and resolution roots.
type Config struct {
	// Language selects the lane for externally resolved handlers.
	Language Language

	// ProjectRoot is the application root; handler sources live under
	// src/handlers relative to it.
	ProjectRoot string

	// TimeoutSeconds bounds every external lane dispatch. Zero means the
	// default of 30 seconds.
	TimeoutSeconds int64
}

// DefaultTimeoutS is the dispatch timeout in seconds when none is configured.
const DefaultTimeoutS = 30
