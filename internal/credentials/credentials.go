// Package credentials persists SMTP server credentials as a single
// obfuscated line in an owner-only file.
//
// The encoding is base64 and only keeps the password from being readable at
// a glance. It is not encryption.
package credentials

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/shineum/smtp-send-lite/internal/errs"
)

const (
	// DefaultFileName is the credential file created in the user's home directory.
	DefaultFileName = ".smtp-send"

	// DefaultServer and DefaultPort are used when config is run without overrides.
	DefaultServer = "smtp.gmail.com"
	DefaultPort   = 587

	fieldCount = 5
	separator  = ":"
	tlsTrue    = "True"
	tlsFalse   = "False"

	fileMode os.FileMode = 0o600
)

// Record is the persisted credential set. Field values must not contain ':'.
type Record struct {
	User   string
	Pass   string
	Server string
	Port   int
	UseTLS bool
}

// Addr returns the server address in host:port form.
func (r Record) Addr() string {
	return net.JoinHostPort(r.Server, strconv.Itoa(r.Port))
}

// Validate rejects values that cannot be stored, since ':' separates fields.
func (r Record) Validate() error {
	for name, v := range map[string]string{"user": r.User, "password": r.Pass, "server": r.Server} {
		if strings.Contains(v, separator) {
			return errs.New(errs.CodeUsage, name+" must not contain '"+separator+"'")
		}
	}
	if r.Port < 1 || r.Port > 65535 {
		return errs.New(errs.CodeUsage, "port must be between 1 and 65535")
	}
	return nil
}

// DefaultPath returns ~/.smtp-send.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.Wrap(errs.CodeConfigIO, err, "failed to resolve home directory")
	}
	return filepath.Join(home, DefaultFileName), nil
}

// Encode renders r as the obfuscated credential line.
func Encode(r Record) string {
	tls := tlsFalse
	if r.UseTLS {
		tls = tlsTrue
	}
	plain := strings.Join([]string{r.User, r.Pass, r.Server, strconv.Itoa(r.Port), tls}, separator)
	return base64.StdEncoding.EncodeToString([]byte(plain))
}

// Decode parses a credential line produced by Encode.
func Decode(line string) (Record, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return Record{}, errs.Wrap(errs.CodeMalformedConfig, err, "credential line is not valid base64")
	}

	fields := strings.Split(string(raw), separator)
	if len(fields) != fieldCount {
		return Record{}, &errs.Error{
			Code:    errs.CodeMalformedConfig,
			Message: "credential line has " + strconv.Itoa(len(fields)) + " fields, want " + strconv.Itoa(fieldCount),
		}
	}

	port, err := strconv.Atoi(fields[3])
	if err != nil {
		return Record{}, errs.Wrap(errs.CodeMalformedConfig, err, "credential port is not a number")
	}

	return Record{
		User:   fields[0],
		Pass:   fields[1],
		Server: fields[2],
		Port:   port,
		UseTLS: fields[4] == tlsTrue,
	}, nil
}

// Write replaces the file at path with the encoded record and restricts it
// to owner read/write, including when the file already existed.
func Write(r Record, path string) error {
	if err := os.WriteFile(path, []byte(Encode(r)), fileMode); err != nil {
		return errs.WrapPath(errs.CodeConfigIO, err, "failed to write credentials", path)
	}
	if err := os.Chmod(path, fileMode); err != nil {
		return errs.WrapPath(errs.CodeConfigIO, err, "failed to restrict permissions", path)
	}
	return nil
}

// Read loads the record stored at path.
func Read(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, errs.WrapPath(errs.CodeConfigIO, err, "failed to read credentials", path)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Record{}, errs.WrapPath(errs.CodeConfigIO, err, "failed to read credentials", path)
	}

	rec, err := Decode(string(bytes.TrimSpace(line)))
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			e.Path = path
		}
		return Record{}, err
	}
	return rec, nil
}
