package twelf

import (
	"regexp"
	"strconv"
	"strings"
)

// Severity classifies a guest message.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "Warning"
	}
	return "Error"
}

// Range is a 1-based source span as Twelf prints it: line1.col1-line2.col2.
type Range struct {
	Line1 int
	Col1  int
	Line2 int
	Col2  int
}

// Message is one located problem reported by the guest.
type Message struct {
	File     string
	Range    Range
	Severity Severity
	Text     string
}

// <file>:<l1>.<c1>-<l2>.<c2> Error: <text>
var messageHeader = regexp.MustCompile(`^(.*):(\d+)\.(\d+)-(\d+)\.(\d+) (Error|Warning):\s*(.*)$`)

// ParseMessages extracts located messages from guest output. Lines that
// follow a header belong to its text until the next header or a %% status
// marker.
func ParseMessages(lines []string) []Message {
	var (
		messages []Message
		current  *Message
	)
	flush := func() {
		if current != nil {
			current.Text = strings.TrimSpace(current.Text)
			messages = append(messages, *current)
			current = nil
		}
	}

	for _, line := range lines {
		if m := messageHeader.FindStringSubmatch(line); m != nil {
			flush()
			current = &Message{
				File: m[1],
				Range: Range{
					Line1: atoi(m[2]),
					Col1:  atoi(m[3]),
					Line2: atoi(m[4]),
					Col2:  atoi(m[5]),
				},
				Severity: SeverityError,
				Text:     m[7],
			}
			if m[6] == "Warning" {
				current.Severity = SeverityWarning
			}
			continue
		}
		if strings.HasPrefix(line, "%%") {
			flush()
			continue
		}
		if current != nil {
			current.Text += "\n" + line
		}
	}
	flush()

	return messages
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
