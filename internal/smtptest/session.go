package smtptest

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// maxMessageSize is advertised with EHLO (10 MB).
const maxMessageSize = 10 * 1024 * 1024

// Record is what a session observed. Fields fill in as the client
// progresses; a failed step leaves later fields empty.
type Record struct {
	// Hello is the name the client sent with EHLO or HELO.
	Hello string

	// TLS is true once STARTTLS completed.
	TLS bool

	// AuthMechanism and AuthUser are taken from the last AUTH attempt.
	AuthMechanism string
	AuthUser      string
	Authenticated bool

	// Envelope and content of the last accepted message.
	From    string
	To      []string
	Data    []byte
	Message *email.Message

	// Quit is true when the client ended the session with QUIT.
	Quit bool
}

func (r *Record) clone() Record {
	c := *r
	c.To = append([]string(nil), r.To...)
	c.Data = append([]byte(nil), r.Data...)
	return c
}

// journal guards the records of every session of one server.
type journal struct {
	mu      sync.Mutex
	records []*Record
}

func (j *journal) open() *Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := &Record{}
	j.records = append(j.records, r)
	return r
}

func (j *journal) update(r *Record, fn func(*Record)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(r)
}

func (j *journal) snapshot() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r.clone())
	}
	return out
}

// SessionConfig holds the per-connection behavior shared by all sessions of
// a server.
type SessionConfig struct {
	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// Auth verifies AUTH credentials.
	Auth *Authenticator

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// RejectRecipients lists addresses refused at RCPT with 550.
	RejectRecipients []string
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	cfg    SessionConfig

	tlsActive bool

	journal *journal
	record  *Record

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn that records into its own journal.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	return newSession(conn, cfg, &journal{})
}

func newSession(conn net.Conn, cfg SessionConfig, j *journal) *Session {
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "")
	}
	return &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		state:   stateConnected,
		cfg:     cfg,
		journal: j,
		record:  j.open(),
	}
}

// Record returns a copy of what the session has observed so far.
func (s *Session) Record() Record {
	s.journal.mu.Lock()
	defer s.journal.mu.Unlock()
	return s.record.clone()
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtptest", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.journal.update(s.record, func(r *Record) { r.Quit = true })
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	s.journal.update(s.record, func(r *Record) { r.Hello = arg })

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	s.writeLine("250-AUTH PLAIN LOGIN")
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 OK")
}

func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.journal.update(s.record, func(r *Record) { r.TLS = true })
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])
	initial := ""
	if len(parts) > 1 {
		initial = strings.TrimSpace(parts[1])
	}

	var (
		user, pass string
		ok         bool
	)
	switch mechanism {
	case "PLAIN":
		user, pass, ok = s.readAuthPlain(initial)
	case "LOGIN":
		user, pass, ok = s.readAuthLogin(initial)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}
	if !ok {
		return
	}

	err := s.cfg.Auth.Verify(user, pass)
	s.journal.update(s.record, func(r *Record) {
		r.AuthMechanism = mechanism
		r.AuthUser = user
		r.Authenticated = err == nil
	})
	if err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// readAuthPlain reads the AUTH PLAIN response, inline or after a 334.
func (s *Session) readAuthPlain(initial string) (string, string, bool) {
	encoded := initial
	if encoded == "" {
		line, ok := s.readAuthLine("")
		if !ok {
			return "", "", false
		}
		encoded = line
	}

	user, pass, err := DecodePlain(encoded)
	if err != nil {
		s.writeLine("501 %s", err)
		return "", "", false
	}
	return user, pass, true
}

// readAuthLogin runs the LOGIN exchange. The username may arrive as an
// initial response, in which case only the password is challenged.
func (s *Session) readAuthLogin(initial string) (string, string, bool) {
	encodedUser := initial
	if encodedUser == "" {
		line, ok := s.readAuthLine("VXNlcm5hbWU6") // "Username:"
		if !ok {
			return "", "", false
		}
		encodedUser = line
	}

	user, err := DecodeLoginField(encodedUser)
	if err != nil {
		s.writeLine("501 %s", err)
		return "", "", false
	}

	encodedPass, ok := s.readAuthLine("UGFzc3dvcmQ6") // "Password:"
	if !ok {
		return "", "", false
	}

	pass, err := DecodeLoginField(encodedPass)
	if err != nil {
		s.writeLine("501 %s", err)
		return "", "", false
	}

	return user, pass, true
}

// readAuthLine sends a 334 challenge and reads one response line. A "*"
// response cancels the exchange.
func (s *Session) readAuthLine(challenge string) (string, bool) {
	if challenge == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", challenge)
	}

	line, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Debug("failed to read AUTH response", "error", err)
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")

	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.cfg.Auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	for _, rejected := range s.cfg.RejectRecipients {
		if strings.EqualFold(rejected, addr) {
			s.writeLine("550 No such user here")
			return
		}
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message up to the dot terminator, parses it and
// records it together with the envelope.
func (s *Session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("error reading DATA", "error", err)
			return
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}

		// Undo dot-stuffing.
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		data.WriteString(line)
	}

	raw := []byte(data.String())

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Debug("failed to parse message", "error", err)
		s.writeLine("550 Failed to process message")
		s.resetTransaction()
		return
	}

	from, to := s.mailFrom, append([]string(nil), s.rcptTo...)
	s.journal.update(s.record, func(r *Record) {
		r.From = from
		r.To = to
		r.Data = raw
		r.Message = msg
	})

	s.writeLine("250 OK message accepted")
	s.resetTransaction()
}

// resetTransaction clears the current mail transaction without affecting
// greeting or authentication.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats. A path holding a display
// name or a nested bracket yields "".
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		addr := s[1:end]
		if strings.ContainsAny(addr, "<> ") {
			return ""
		}
		return addr
	}

	if strings.ContainsAny(s, "<>") {
		return ""
	}

	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
