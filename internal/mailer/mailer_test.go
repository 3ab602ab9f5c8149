package mailer

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-send-lite/internal/credentials"
	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/errs"
	"github.com/shineum/smtp-send-lite/internal/parser"
	"github.com/shineum/smtp-send-lite/internal/smtptest"
	"github.com/shineum/smtp-send-lite/internal/transport"
	tlsutil "github.com/shineum/smtp-send-lite/internal/tls"
)

// recordingTransport captures envelopes instead of sending them.
type recordingTransport struct {
	envs []email.Envelope
	err  error
}

func (r *recordingTransport) Deliver(_ context.Context, env email.Envelope) error {
	r.envs = append(r.envs, env)
	return r.err
}

func (r *recordingTransport) Name() string {
	return "recording"
}

func newRecordingSender(t *testing.T) (*Sender, *recordingTransport, *int) {
	t.Helper()
	rt := &recordingTransport{}
	calls := 0
	s := New(
		WithClock(func() time.Time { return fixedDate }),
		WithTransport(func(credentials.Record) (transport.Transport, error) {
			calls++
			return rt, nil
		}),
	)
	return s, rt, &calls
}

var testRecord = credentials.Record{
	User:   "a@x.com",
	Pass:   "secret",
	Server: "smtp.example.com",
	Port:   587,
	UseTLS: true,
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestParseRecipients(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		values  []string
		want    []string
		wantErr bool
	}{
		{name: "single", values: []string{"b@y.com"}, want: []string{"b@y.com"}},
		{name: "list", values: []string{"b@y.com", "c@z.com"}, want: []string{"b@y.com", "c@z.com"}},
		{name: "comma separated", values: []string{"b@y.com, c@z.com"}, want: []string{"b@y.com", "c@z.com"}},
		{name: "blanks dropped", values: []string{" ", "b@y.com,,", ""}, want: []string{"b@y.com"}},
		{name: "display name", values: []string{"Bob <b@y.com>"}, want: []string{"b@y.com"}},
		{name: "quoted comma", values: []string{`"Doe, John" <j@y.com>, c@z.com`}, want: []string{"j@y.com", "c@z.com"}},
		{name: "none", values: nil, want: nil},
		{name: "invalid", values: []string{"Bob <b@y.com"}, wantErr: true},
		{name: "nested brackets", values: []string{"<Bob <b@y.com>>"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseRecipients(tt.values...)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.IsUsage(err))
				return
			}
			require.NoError(t, err)

			var addrs []string
			for _, a := range got {
				addrs = append(addrs, a.Address)
			}
			assert.Equal(t, tt.want, addrs)
		})
	}
}

func TestSend_Envelope(t *testing.T) {
	t.Parallel()

	s, rt, _ := newRecordingSender(t)

	err := s.Send(context.Background(), testRecord, Request{
		To:      []string{"b@y.com", "c@z.com"},
		Subject: "Hi",
		Body:    "Body",
	})
	require.NoError(t, err)
	require.Len(t, rt.envs, 1)

	env := rt.envs[0]
	assert.Equal(t, "a@x.com", env.From)
	assert.Equal(t, []string{"b@y.com", "c@z.com"}, env.To)

	msg, err := parser.Parse(env.Data)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", msg.From)
	assert.Equal(t, "Hi", msg.Subject)
	assert.Equal(t, "Body", msg.TextBody)
	assert.True(t, fixedDate.Equal(msg.Date))
	assert.Regexp(t, `^<.+@x\.com>$`, msg.MessageID)
}

func TestSend_SingleRecipientMatchesList(t *testing.T) {
	t.Parallel()

	toHeader := func(req Request) []string {
		s, rt, _ := newRecordingSender(t)
		require.NoError(t, s.Send(context.Background(), testRecord, req))
		require.Len(t, rt.envs, 1)
		msg, err := parser.Parse(rt.envs[0].Data)
		require.NoError(t, err)
		return msg.RawHeaders["To"]
	}

	single := toHeader(Request{To: []string{"b@y.com"}, Subject: "s", Body: "b"})
	padded := toHeader(Request{To: []string{" b@y.com "}, Subject: "s", Body: "b"})
	commaList := toHeader(Request{To: []string{"b@y.com,"}, Subject: "s", Body: "b"})

	assert.Equal(t, []string{"b@y.com"}, single)
	assert.Equal(t, single, padded)
	assert.Equal(t, single, commaList)
}

func TestSend_DisplayNameRecipients(t *testing.T) {
	t.Parallel()

	s, rt, _ := newRecordingSender(t)
	rec := testRecord
	rec.User = "Alice <a@x.com>"

	require.NoError(t, s.Send(context.Background(), rec, Request{
		To:      []string{"Bob <b@y.com>", `"Doe, John" <j@y.com>`},
		Subject: "Hi",
		Body:    "Body",
	}))
	require.Len(t, rt.envs, 1)

	env := rt.envs[0]
	assert.Equal(t, "a@x.com", env.From)
	assert.Equal(t, []string{"b@y.com", "j@y.com"}, env.To)

	msg, err := parser.Parse(env.Data)
	require.NoError(t, err)
	assert.Equal(t, []string{`"Bob" <b@y.com>, "Doe, John" <j@y.com>`}, msg.RawHeaders["To"])
	assert.Equal(t, []string{"b@y.com", "j@y.com"}, msg.To)
	assert.Regexp(t, `@x\.com>$`, msg.MessageID)
}

func TestSend_InvalidRecipient(t *testing.T) {
	t.Parallel()

	s, rt, calls := newRecordingSender(t)

	err := s.Send(context.Background(), testRecord, Request{To: []string{"b@y.com", "Bob <b@y.com"}})
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err))
	assert.Zero(t, *calls)
	assert.Empty(t, rt.envs)
}

func TestSend_NoRecipients(t *testing.T) {
	t.Parallel()

	s, rt, calls := newRecordingSender(t)

	err := s.Send(context.Background(), testRecord, Request{To: []string{" ", ""}})
	require.Error(t, err)
	assert.True(t, errs.IsUsage(err))
	assert.Zero(t, *calls)
	assert.Empty(t, rt.envs)
}

func TestSend_Attachments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := writeFile(t, dir, "notes.txt", []byte("hello"))
	second := writeFile(t, dir, "image.png", []byte{0x89, 'P', 'N', 'G'})

	s, rt, _ := newRecordingSender(t)
	require.NoError(t, s.Send(context.Background(), testRecord, Request{
		To:          []string{"b@y.com"},
		Subject:     "Files",
		Body:        "attached",
		Attachments: []string{first, second},
	}))
	require.Len(t, rt.envs, 1)

	msg, err := parser.Parse(rt.envs[0].Data)
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "notes.txt", msg.Attachments[0].Filename)
	assert.Equal(t, []byte("hello"), msg.Attachments[0].Content)
	assert.Equal(t, "image.png", msg.Attachments[1].Filename)
	assert.Equal(t, "application/octet-stream", msg.Attachments[1].ContentType)
}

func TestSend_UnreadableAttachmentSendsNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := writeFile(t, dir, "good.txt", []byte("ok"))
	missing := filepath.Join(dir, "missing.txt")

	s, rt, calls := newRecordingSender(t)
	err := s.Send(context.Background(), testRecord, Request{
		To:          []string{"b@y.com"},
		Attachments: []string{good, missing},
	})
	require.Error(t, err)
	assert.True(t, errs.IsAttachment(err))
	assert.Contains(t, err.Error(), missing)
	assert.Zero(t, *calls)
	assert.Empty(t, rt.envs)
}

func TestSend_TransportError(t *testing.T) {
	t.Parallel()

	rt := &recordingTransport{err: errs.New(errs.CodeSMTP, "boom")}
	s := New(WithTransport(func(credentials.Record) (transport.Transport, error) { return rt, nil }))

	err := s.Send(context.Background(), testRecord, Request{To: []string{"b@y.com"}})
	assert.True(t, errs.IsSMTP(err))
}

// smtpRecord points a record at srv.
func smtpRecord(srv *smtptest.Server, user, pass string, useTLS bool) credentials.Record {
	return credentials.Record{
		User:   user,
		Pass:   pass,
		Server: srv.Host(),
		Port:   srv.Port(),
		UseTLS: useTLS,
	}
}

func TestSend_SMTP(t *testing.T) {
	t.Parallel()

	srv := smtptest.Start(t, "a@x.com", "secret")
	dir := t.TempDir()
	attachment := writeFile(t, dir, "report.csv", []byte("a,b\n1,2\n"))

	s := New(WithTransport(SMTPTransport(TransportOptions{
		LocalName: "client.test",
		TLS:       tlsutil.ClientOptions{CAFile: srv.CAFile},
	})))

	err := s.Send(context.Background(), smtpRecord(srv.Server, "a@x.com", "secret", true), Request{
		To:          []string{"Bob <b@y.com>"},
		Subject:     "Hi",
		Body:        "Body",
		Attachments: []string{attachment},
	})
	require.NoError(t, err)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)

	rec := sessions[0]
	// The local name only applies to plaintext sessions.
	assert.Equal(t, "localhost", rec.Hello)
	assert.True(t, rec.TLS)
	assert.Equal(t, "LOGIN", rec.AuthMechanism)
	assert.Equal(t, "a@x.com", rec.AuthUser)
	assert.True(t, rec.Authenticated)
	assert.Equal(t, "a@x.com", rec.From)
	assert.Equal(t, []string{"b@y.com"}, rec.To)
	assert.True(t, rec.Quit)

	require.NotNil(t, rec.Message)
	assert.Equal(t, "Hi", rec.Message.Subject)
	assert.Equal(t, "Body", rec.Message.TextBody)
	require.Len(t, rec.Message.Attachments, 1)
	assert.Equal(t, "report.csv", rec.Message.Attachments[0].Filename)
	assert.Equal(t, []byte("a,b\n1,2\n"), rec.Message.Attachments[0].Content)
}

func TestSend_SMTPWithoutTLS(t *testing.T) {
	t.Parallel()

	srv := smtptest.StartPlain(t, "a@x.com", "secret")

	s := New(WithTransport(SMTPTransport(TransportOptions{LocalName: "client.test"})))
	err := s.Send(context.Background(), smtpRecord(srv, "a@x.com", "secret", false), Request{
		To:   []string{"b@y.com"},
		Body: "Body",
	})
	require.NoError(t, err)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "client.test", sessions[0].Hello)
	require.NotNil(t, sessions[0].Message)
	assert.Equal(t, "Body", sessions[0].Message.TextBody)
	assert.False(t, sessions[0].TLS)
	assert.True(t, sessions[0].Authenticated)
}

func TestSend_SMTPFailures(t *testing.T) {
	t.Parallel()

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()

		srv := smtptest.Start(t, "a@x.com", "secret")
		s := New(WithTransport(SMTPTransport(TransportOptions{TLS: tlsutil.ClientOptions{CAFile: srv.CAFile}})))

		err := s.Send(context.Background(), smtpRecord(srv.Server, "a@x.com", "nope", true), Request{To: []string{"b@y.com"}})
		require.Error(t, err)
		assert.True(t, errs.IsSMTP(err))

		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, 535, e.ReplyCode)

		sessions := srv.Sessions()
		require.Len(t, sessions, 1)
		assert.Empty(t, sessions[0].Data)
	})

	t.Run("empty credentials", func(t *testing.T) {
		t.Parallel()

		srv := smtptest.Start(t, "a@x.com", "secret")
		s := New(WithTransport(SMTPTransport(TransportOptions{TLS: tlsutil.ClientOptions{CAFile: srv.CAFile}})))

		err := s.Send(context.Background(), smtpRecord(srv.Server, "", "", true), Request{To: []string{"b@y.com"}})
		require.Error(t, err)
		assert.True(t, errs.IsSMTP(err))
		assert.Contains(t, err.Error(), "authentication")

		sessions := srv.Sessions()
		require.Len(t, sessions, 1)
		assert.False(t, sessions[0].Authenticated)
		assert.Empty(t, sessions[0].Data)
	})

	t.Run("rejected recipient", func(t *testing.T) {
		t.Parallel()

		srv := smtptest.StartWithConfig(t, smtptest.ServerConfig{
			Username:         "a@x.com",
			Password:         "secret",
			RejectRecipients: []string{"c@z.com"},
		})
		s := New(WithTransport(SMTPTransport(TransportOptions{TLS: tlsutil.ClientOptions{CAFile: srv.CAFile}})))

		err := s.Send(context.Background(), smtpRecord(srv.Server, "a@x.com", "secret", true), Request{
			To: []string{"b@y.com", "c@z.com"},
		})
		require.Error(t, err)

		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, errs.CodeSMTP, e.Code)
		assert.Equal(t, 550, e.ReplyCode)
		assert.Empty(t, srv.Sessions()[0].Data)
	})

	t.Run("STARTTLS not offered", func(t *testing.T) {
		t.Parallel()

		srv := smtptest.StartPlain(t, "a@x.com", "secret")

		err := New().Send(context.Background(), smtpRecord(srv, "a@x.com", "secret", true), Request{To: []string{"b@y.com"}})
		require.Error(t, err)

		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, errs.CodeSMTP, e.Code)
		assert.Equal(t, 454, e.ReplyCode)

		sessions := srv.Sessions()
		require.Len(t, sessions, 1)
		assert.Empty(t, sessions[0].AuthMechanism)
	})

	t.Run("untrusted certificate", func(t *testing.T) {
		t.Parallel()

		srv := smtptest.Start(t, "a@x.com", "secret")

		err := New().Send(context.Background(), smtpRecord(srv.Server, "a@x.com", "secret", true), Request{To: []string{"b@y.com"}})
		require.Error(t, err)
		assert.True(t, errs.IsSMTP(err))
		assert.Contains(t, err.Error(), "STARTTLS")
	})

	t.Run("connection refused", func(t *testing.T) {
		t.Parallel()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		rec := credentials.Record{User: "a@x.com", Pass: "secret", Server: "127.0.0.1", Port: port}
		err = New().Send(context.Background(), rec, Request{To: []string{"b@y.com"}})
		require.Error(t, err)
		assert.True(t, errs.IsSMTP(err))
		assert.Equal(t, 5, errs.ExitCode(err))
	})
}

func TestSMTPTransport_BadCAFile(t *testing.T) {
	t.Parallel()

	caFile := filepath.Join(t.TempDir(), "missing.pem")
	_, err := SMTPTransport(TransportOptions{TLS: tlsutil.ClientOptions{CAFile: caFile}})(testRecord)
	require.Error(t, err)
	assert.True(t, errs.IsConfigIO(err))

	// Without STARTTLS the CA file is never read.
	rec := testRecord
	rec.UseTLS = false
	tr, err := SMTPTransport(TransportOptions{TLS: tlsutil.ClientOptions{CAFile: caFile}})(rec)
	require.NoError(t, err)
	assert.Equal(t, "smtp", tr.Name())
}
