package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-backup/model"
)

var ErrUnknownSize = errors.New("imap append needs the message size")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// Uploader appends every exported message to a mailbox on an IMAP server.
// The connection is opened on the first message and kept for the run.
type Uploader struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	client   *imapclient.Client
	cleanup  func()
	uploaded int
}

func NewUploader(opts Options, logger *slog.Logger) (*Uploader, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{opts: opts, logger: logger}, nil
}

func (u *Uploader) Name() string {
	return "imap"
}

// Mirror appends the raw message to the target mailbox, keeping the
// received time as the internal date.
func (u *Uploader) Mirror(ctx context.Context, msg model.Message, content io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if size <= 0 {
		return fmt.Errorf("message %s: %w", msg.ID, ErrUnknownSize)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.opts.DryRun {
		u.uploaded++
		u.logger.Debug("dry-run upload", "messageID", msg.ID, "target", u.targetFolder(), "bytes", size)
		return nil
	}

	if u.client == nil {
		client, cleanup, err := u.dial(ctx)
		if err != nil {
			return err
		}
		u.client, u.cleanup = client, cleanup
	}

	if err := u.appendMessage(u.client, msg, content, size); err != nil {
		return fmt.Errorf("upload message %s: %w", msg.ID, err)
	}

	u.uploaded++
	u.logger.Debug("uploaded message", "messageID", msg.ID, "target", u.targetFolder(), "bytes", size)
	return nil
}

// Uploaded returns the number of messages appended so far, dry-run included.
func (u *Uploader) Uploaded() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploaded
}

// Close logs out and closes the connection if one was opened.
func (u *Uploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cleanup != nil {
		u.cleanup()
		u.cleanup = nil
		u.client = nil
	}
	return nil
}

func (u *Uploader) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(u.opts.Host, strconv.Itoa(u.opts.Port))
	options := &imapclient.Options{}

	if u.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         u.opts.Host,
			InsecureSkipVerify: u.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if u.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(u.opts.Username, u.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := u.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	u.logger.Debug("imap connection established", "address", address, "user", u.opts.Username, "target", u.targetFolder(), "tls", u.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				u.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			u.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (u *Uploader) appendMessage(client *imapclient.Client, msg model.Message, content io.Reader, size int64) error {
	target := u.targetFolder()

	var opts *imapv2.AppendOptions
	if !msg.ReceivedAt.IsZero() {
		opts = &imapv2.AppendOptions{Time: msg.ReceivedAt}
	}

	cmd := client.Append(target, size, opts)

	n, err := io.Copy(cmd, io.LimitReader(content, size))
	if err != nil {
		_ = cmd.Close()
		return fmt.Errorf("append write: %w", err)
	}
	if n != size {
		_ = cmd.Close()
		return fmt.Errorf("append write: wrote %d of %d bytes", n, size)
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

func (u *Uploader) targetFolder() string {
	if u.opts.TargetFolder == "" {
		return "INBOX"
	}
	return u.opts.TargetFolder
}

func (u *Uploader) ensureMailbox(client *imapclient.Client) error {
	target := u.targetFolder()
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				u.logger.Debug("imap mailbox already exists", "mailbox", target)
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	u.logger.Info("imap mailbox created", "mailbox", target)
	return nil
}
