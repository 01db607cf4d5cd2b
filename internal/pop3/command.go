package pop3

import (
	"context"
	"strings"
)

// Command represents a POP3 command that can be executed.
type Command interface {
	// Name returns the command verb (e.g. "USER", "RETR", "QUIT").
	Name() string

	// Execute processes the command and returns a response. The
	// response message carries no +OK/-ERR prefix.
	Execute(ctx context.Context, sess *Session, args []string) (Response, error)
}

// Response represents a POP3 response to a command.
type Response struct {
	// OK indicates success (+OK) or failure (-ERR).
	OK bool

	// Message is the response message (without the +OK/-ERR prefix).
	Message string

	// Lines contains multi-line response data, sent after the status
	// line and terminated by a lone dot.
	Lines []string

	// Close tells the handler to end the connection after this reply.
	Close bool
}

// String formats the response as a POP3 protocol string, byte-stuffing
// multi-line data per RFC 1939.
func (r Response) String() string {
	var sb strings.Builder

	if r.OK {
		sb.WriteString("+OK")
	} else {
		sb.WriteString("-ERR")
	}
	if r.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(r.Message)
	}
	sb.WriteString("\r\n")

	if r.OK && len(r.Lines) > 0 {
		for _, line := range r.Lines {
			if strings.HasPrefix(line, ".") {
				sb.WriteString(".")
			}
			sb.WriteString(line)
			sb.WriteString("\r\n")
		}
		sb.WriteString(".\r\n")
	}

	return sb.String()
}

// Registry maps command verbs to their implementations. Each handler
// builds its own registry so backends are bound per server, not
// globally.
type Registry struct {
	commands map[string]Command
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command to the registry.
func (r *Registry) Register(cmd Command) {
	r.commands[strings.ToUpper(cmd.Name())] = cmd
}

// Get retrieves a command by verb, case-insensitively.
func (r *Registry) Get(name string) (Command, bool) {
	cmd, ok := r.commands[strings.ToUpper(name)]
	return cmd, ok
}
