package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/corvid-mail/rook/config"
	"github.com/corvid-mail/rook/logger"
	"github.com/corvid-mail/rook/pkg/circuitbreaker"
	"github.com/corvid-mail/rook/pkg/retry"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SendError classifies a relay failure. Permanent failures (5xx) are
// not retried; temporary ones (4xx, network) are.
type SendError struct {
	Err       error
	Permanent bool
}

func (e *SendError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func isPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// SMTPSender hands notices to an external SMTP relay. Sends go through
// a circuit breaker so a dead relay fails fast instead of stalling
// bounce workers, and through bounded retries with backoff.
type SMTPSender struct {
	host        string
	useTLS      bool
	useStartTLS bool
	tlsVerify   bool
	username    string
	password    string
	timeout     time.Duration

	breaker *circuitbreaker.Breaker
	backoff retry.BackoffConfig
}

// NewSMTPSender builds a sender from the notify configuration.
func NewSMTPSender(cfg config.NotifyConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("notify relay host not configured")
	}
	timeout, err := cfg.GetSendTimeout()
	if err != nil {
		return nil, err
	}
	return &SMTPSender{
		host:        cfg.Host,
		useTLS:      cfg.UseTLS,
		useStartTLS: cfg.UseStartTLS,
		tlsVerify:   cfg.TLSVerify,
		username:    cfg.Username,
		password:    cfg.Password,
		timeout:     timeout,
		breaker: circuitbreaker.New("notify-relay", 5, time.Minute,
			circuitbreaker.WithStateChange(func(name string, from, to circuitbreaker.State) {
				logger.Warn("relay circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			})),
		backoff: retry.BackoffConfig{
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      2,
		},
	}, nil
}

// SendMail delivers one message through the relay.
func (s *SMTPSender) SendMail(ctx context.Context, from, to string, msg []byte) error {
	return retry.WithRetry(ctx, func() error {
		err := s.breaker.Do(func() error {
			return s.send(from, to, msg)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			logger.Warn("relay circuit breaker open, notice not sent", "host", s.host)
			return retry.Stop(err)
		}
		var sendErr *SendError
		if errors.As(err, &sendErr) && sendErr.Permanent {
			return retry.Stop(err)
		}
		return err
	}, s.backoff)
}

func (s *SMTPSender) send(from, to string, msg []byte) error {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !s.tlsVerify,
	}

	var c *smtp.Client
	var err error
	switch {
	case !s.useTLS && !s.useStartTLS:
		c, err = smtp.Dial(s.host)
	case s.useStartTLS:
		c, err = smtp.DialStartTLS(s.host, tlsConfig)
	default:
		c, err = smtp.DialTLS(s.host, tlsConfig)
	}
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to connect to relay %s: %w", s.host, err), Permanent: false}
	}
	defer c.Close()

	c.CommandTimeout = s.timeout
	c.SubmissionTimeout = s.timeout

	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return &SendError{Err: fmt.Errorf("relay authentication failed: %w", err), Permanent: isPermanent(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &SendError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: isPermanent(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &SendError{Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: isPermanent(err)}
	}

	wc, err := c.Data()
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: isPermanent(err)}
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return &SendError{Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &SendError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: isPermanent(err)}
	}

	if err := c.Quit(); err != nil {
		// The message was accepted; a failed QUIT is not a delivery failure.
		logger.Warn("relay QUIT failed", "error", err)
	}
	return nil
}
