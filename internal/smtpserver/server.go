// Package smtpserver accepts live mailing-list traffic over SMTP and files
// each accepted message into the archive, one document per recipient list.
package smtpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailarchive/internal/archive"
	"github.io/infrasutra/mailarchive/internal/normalize"
	"github.io/infrasutra/mailarchive/internal/sse"
	"github.io/infrasutra/mailarchive/internal/textlib"
)

const defaultDomain = "mailarchive"

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

// Policy decides which recipients are archived and how.
type Policy struct {
	// ArchiveDomain restricts archiving to recipients of one domain.
	// Empty archives every recipient.
	ArchiveDomain string
	// PrivateLists are filed as private.
	PrivateLists []string
}

func (p Policy) accepts(domain string) bool {
	return p.ArchiveDomain == "" || strings.EqualFold(p.ArchiveDomain, domain)
}

func (p Policy) isPrivate(listRaw string) bool {
	for _, lid := range p.PrivateLists {
		if lid == listRaw {
			return true
		}
	}
	return false
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(writer *archive.Writer, hub *sse.Hub, logger *slog.Logger, addr string, authCfg AuthConfig, policy Policy) *Server {
	backend := &backend{
		writer:       writer,
		hub:          hub,
		logger:       logger,
		policy:       policy,
		authEnabled:  authCfg.Enabled,
		authUsername: authCfg.Username,
		authPassword: authCfg.Password,
	}
	server := smtp.NewServer(backend)
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	writer       *archive.Writer
	hub          *sse.Hub
	logger       *slog.Logger
	policy       Policy
	authEnabled  bool
	authUsername string
	authPassword string
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = strings.TrimSpace(strings.ToLower(from))
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, strings.TrimSpace(strings.ToLower(to)))
	return nil
}

// Data archives the message once per recipient list. A message to several
// lists becomes several documents with distinct ids, matching how each
// list's subscribers received their own copy.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	lists := s.recipientLists()
	if len(lists) == 0 {
		s.backend.logger.Warn("message had no archivable recipients",
			"from", s.from, "recipients", len(s.to))
		return nil
	}

	ctx := context.Background()
	archived := 0
	for _, lid := range lists {
		doc, err := s.backend.writer.Archive(ctx, raw, archive.Options{
			ListID:  lid,
			Private: s.backend.policy.isPrivate(lid),
		})
		if err != nil {
			var perr *normalize.ParseError
			if errors.As(err, &perr) {
				s.backend.logger.Warn("unparseable message rejected",
					"from", s.from, "list", lid, "error", err)
				return &smtp.SMTPError{
					Code:         554,
					EnhancedCode: smtp.EnhancedCode{5, 6, 0},
					Message:      "message could not be parsed",
				}
			}
			s.backend.logger.Error("archive message", "list", lid, "error", err)
			return err
		}
		archived++
		s.backend.hub.Announce(sse.Event{
			MID:     doc.MID,
			ListRaw: doc.ListRaw,
			Subject: doc.Subject,
			Epoch:   doc.Epoch,
		}, doc.Private)
	}
	s.backend.logger.Info("message ingested", "from", s.from, "lists", archived)
	return nil
}

// recipientLists maps accepted envelope recipients to canonical list ids,
// deduplicated.
func (s *session) recipientLists() []string {
	var lists []string
	seen := map[string]bool{}
	for _, rcpt := range s.to {
		local, domain, found := strings.Cut(rcpt, "@")
		if !found || local == "" || domain == "" {
			continue
		}
		if !s.backend.policy.accepts(domain) {
			continue
		}
		lid := textlib.NormalizeLID(rcpt, true)
		if lid == "" || seen[lid] {
			continue
		}
		seen[lid] = true
		lists = append(lists, lid)
	}
	return lists
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
