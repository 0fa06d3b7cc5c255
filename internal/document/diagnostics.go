package document

import (
	"strings"

	"github.com/woxQAQ/twelf-lsp/internal/twelf"
	"github.com/woxQAQ/twelf-lsp/pkg/protocol"
)

// Source labels every diagnostic produced from guest output.
const Source = "twelf"

// Diagnostics converts a parse result into editor diagnostics. Guest
// positions are 1-based; diagnostics are 0-based. An ABORT without any
// located message becomes one error at the start of the document.
// maxProblems of zero means no limit.
func Diagnostics(result *twelf.ParseResult, maxProblems int) []protocol.Diagnostic {
	diagnostics := []protocol.Diagnostic{}

	for _, msg := range result.Messages() {
		if maxProblems > 0 && len(diagnostics) >= maxProblems {
			break
		}
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range:    toRange(msg.Range),
			Severity: toSeverity(msg.Severity),
			Source:   Source,
			Message:  msg.Text,
		})
	}

	if len(diagnostics) == 0 && result.Status == twelf.StatusAbort {
		message := strings.TrimSpace(strings.Join(result.Output, "\n"))
		if message == "" {
			message = "twelf aborted without reporting a location"
		}
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Severity: protocol.SeverityError,
			Source:   Source,
			Message:  message,
		})
	}

	return diagnostics
}

// ErrorDiagnostics reports an invocation failure at the document start.
func ErrorDiagnostics(err error) []protocol.Diagnostic {
	return []protocol.Diagnostic{{
		Severity: protocol.SeverityError,
		Source:   Source,
		Message:  err.Error(),
	}}
}

func toRange(r twelf.Range) protocol.Range {
	start := toPosition(r.Line1, r.Col1)
	end := toPosition(r.Line2, r.Col2)
	if end.Line < start.Line || (end.Line == start.Line && end.Character < start.Character) {
		end = start
	}
	return protocol.Range{Start: start, End: end}
}

func toPosition(line, col int) protocol.Position {
	return protocol.Position{
		Line:      max(line-1, 0),
		Character: max(col-1, 0),
	}
}

func toSeverity(s twelf.Severity) protocol.DiagnosticSeverity {
	if s == twelf.SeverityWarning {
		return protocol.SeverityWarning
	}
	return protocol.SeverityError
}
