package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/crmdispatch/internal/config"
)

// deliveryError carries the relay's verdict on a failed send
type deliveryError struct {
	Temporary bool
	Message   string
}

func (e *deliveryError) Error() string {
	return e.Message
}

// SMTPGateway submits messages to an authenticated SMTP relay, one
// connection per message.
type SMTPGateway struct {
	cfg    config.RelayConfig
	signer *Signer
	now    func() time.Time
	logger *slog.Logger
}

func NewSMTPGateway(cfg config.RelayConfig, signer *Signer, logger *slog.Logger) *SMTPGateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPGateway{
		cfg:    cfg,
		signer: signer,
		now:    time.Now,
		logger: logger.With("component", "smtp"),
	}
}

func (g *SMTPGateway) Available() bool {
	return g.cfg.Configured()
}

func (g *SMTPGateway) Send(ctx context.Context, msg Message) Outcome {
	if !g.Available() {
		return Failure(UnavailableReason, false)
	}

	data, messageID, err := buildMessage(g.cfg.From, msg, g.now())
	if err != nil {
		return Failure(fmt.Sprintf("failed to build message: %v", err), false)
	}

	if g.signer != nil {
		signed, err := g.signer.Sign(data)
		if err != nil {
			g.logger.Warn("DKIM signing failed, sending unsigned", "domain", g.signer.Domain(), "error", err)
		} else {
			data = signed
		}
	}

	if err := g.deliver(ctx, msg.To, data); err != nil {
		var de *deliveryError
		if errors.As(err, &de) {
			return Failure(de.Message, de.Temporary)
		}
		return Failure(err.Error(), true)
	}

	return Success(messageID)
}

func (g *SMTPGateway) deliver(ctx context.Context, to string, data []byte) error {
	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))
	dialer := &net.Dialer{Timeout: g.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &deliveryError{Temporary: true, Message: fmt.Sprintf("connection failed to %s: %v", addr, err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(g.cfg.Timeout))
	}
	// unblock pending reads and writes when the caller gives up
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	tlsConfig := &tls.Config{
		ServerName:         g.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	}

	if g.cfg.TLSMode == config.TLSImplicit {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return &deliveryError{Temporary: true, Message: fmt.Sprintf("TLS handshake failed with %s: %v", addr, err)}
		}
		conn = tlsConn
	}

	var client *smtp.Client
	if g.cfg.TLSMode == config.TLSStartTLS {
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return startTLSError(err, addr)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	// after STARTTLS the session is reset and EHLO goes out again over TLS
	if err := client.Hello(g.cfg.Hostname); err != nil {
		return categorizeError(err, "EHLO")
	}

	if g.cfg.Username != "" {
		if err := client.Auth(g.authClient(client)); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(envelopeAddress(g.cfg.From), nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", to))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &deliveryError{Temporary: true, Message: fmt.Sprintf("failed to write message data: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	if err := client.Quit(); err != nil {
		g.logger.Debug("QUIT failed after accepted message", "error", err)
	}

	return nil
}

// authClient prefers PLAIN and falls back to LOGIN for relays that only
// advertise the older mechanism
func (g *SMTPGateway) authClient(client *smtp.Client) sasl.Client {
	if !client.SupportsAuth(sasl.Plain) && client.SupportsAuth(sasl.Login) {
		return sasl.NewLoginClient(g.cfg.Username, g.cfg.Password)
	}
	return sasl.NewPlainClient("", g.cfg.Username, g.cfg.Password)
}

// startTLSError reports a relay without STARTTLS as permanent, since
// retrying the same relay cannot succeed
func startTLSError(err error, addr string) *deliveryError {
	var se *smtp.SMTPError
	if !errors.As(err, &se) && strings.Contains(err.Error(), "STARTTLS") {
		return &deliveryError{Temporary: false, Message: fmt.Sprintf("relay %s does not offer STARTTLS", addr)}
	}
	return categorizeError(err, "STARTTLS")
}

// categorizeError maps relay replies to temporary (4xx) or permanent
// (5xx) failures. Transport errors without a reply are temporary.
func categorizeError(err error, stage string) *deliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &deliveryError{Temporary: se.Code >= 400 && se.Code < 500, Message: msg}
	}
	return &deliveryError{Temporary: true, Message: msg}
}
