package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/syncerr"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Sync or scenario failure (cycle failed, scenarios failed, etc.)
	ExitCommandError = 2 // Command error (bad flags, unknown record, no remote, etc.)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported means the command already wrote a response describing the
	// failure (a failed cycle report, a scenario summary).
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// reportedError is an ExitError for a failure already written as a response.
func reportedError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message, Reported: true}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// userError wraps err as a command error. Validation failures and unknown
// records are the caller's fault, so they exit 2; everything else exits 1.
func userError(message string, err error) *ExitError {
	switch {
	case errors.Is(err, store.ErrNotFound), syncerr.Is(err, syncerr.KindValidation):
		return WrapExitError(ExitCommandError, message, err)
	default:
		return WrapExitError(ExitFailure, message, err)
	}
}

// ErrorCode maps an error onto the stable code reported in JSON output.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "E002"
	case syncerr.Is(err, syncerr.KindValidation):
		return "E001"
	case syncerr.Is(err, syncerr.KindNotFound):
		return "E002"
	case syncerr.Is(err, syncerr.KindConflict):
		return "E003"
	case syncerr.Is(err, syncerr.KindTransient):
		return "E004"
	case syncerr.Is(err, syncerr.KindPermanent):
		return "E005"
	case syncerr.Is(err, syncerr.KindStorage):
		return "E006"
	default:
		return "E000"
	}
}

// TextRenderer is implemented by payloads with a human-readable form.
// Payloads without one are printed with fmt.Fprintln.
type TextRenderer interface {
	RenderText(w io.Writer, st Styles)
}

// Styles holds the text-mode decorations, bound to the output writer so
// that a non-terminal writer gets plain text.
type Styles struct {
	OK    lipgloss.Style
	Bad   lipgloss.Style
	Muted lipgloss.Style
	Bold  lipgloss.Style
}

// NewStyles builds Styles for w.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		OK:    r.NewStyle().Foreground(lipgloss.Color("2")),
		Bad:   r.NewStyle().Foreground(lipgloss.Color("1")),
		Muted: r.NewStyle().Faint(true),
		Bold:  r.NewStyle().Bold(true),
	}
}

// Check renders a pass/fail mark.
func (s Styles) Check(ok bool) string {
	if ok {
		return s.OK.Render("✓")
	}
	return s.Bad.Render("✗")
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status  string    `json:"status"`             // "ok" or "error"
	Data    any       `json:"data,omitempty"`     // success payload
	Error   *CLIError `json:"error,omitempty"`    // error details
	TraceID string    `json:"trace_id,omitempty"` // cycle id, when the command ran one
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	return f.respond("ok", data, "")
}

// Report outputs a result whose status may be "error" while still carrying
// a payload, such as a failed sync cycle or a failing scenario run.
func (f *OutputFormatter) Report(ok bool, data any, traceID string) error {
	status := "ok"
	if !ok {
		status = "error"
	}
	return f.respond(status, data, traceID)
}

func (f *OutputFormatter) respond(status string, data any, traceID string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status:  status,
			Data:    data,
			TraceID: traceID,
		})
	}

	// Human-readable text output
	if r, ok := data.(TextRenderer); ok {
		r.RenderText(f.Writer, NewStyles(f.Writer))
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
