package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"leadflow/config"
	"leadflow/models"
	"leadflow/services"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

const maxInboundBody = 5000

// inboundEmail is the part of a reply the sequence engine cares about
type inboundEmail struct {
	MessageID string
	From      string
	Subject   string
	Body      string
	Date      time.Time
}

// InboxWorker polls the reply mailbox and treats mail from a known lead
// the same way as an inbound SMS.
type InboxWorker struct {
	IMAP   config.IMAPConfig
	Engine *services.Engine
	Ledger *services.Ledger
	Logger *log.Logger
}

func NewInboxWorker(cfg config.IMAPConfig, engine *services.Engine, ledger *services.Ledger, logger *log.Logger) *InboxWorker {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Minute
	}
	return &InboxWorker{
		IMAP:   cfg,
		Engine: engine,
		Ledger: ledger,
		Logger: logger,
	}
}

func (iw *InboxWorker) Start(ctx context.Context) {
	iw.Logger.Printf("Starting inbox worker for %s@%s", iw.IMAP.Username, iw.IMAP.Host)
	ticker := time.NewTicker(iw.IMAP.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := iw.poll(ctx); err != nil {
				iw.Logger.Printf("Inbox poll failed: %v", err)
			}
		case <-ctx.Done():
			iw.Logger.Println("Stopping inbox worker...")
			return
		}
	}
}

func (iw *InboxWorker) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", iw.IMAP.Host, iw.IMAP.Port)
	tlsConfig := &tls.Config{ServerName: iw.IMAP.Host}

	if iw.IMAP.Port == 993 {
		return client.DialTLS(addr, tlsConfig)
	}

	c, err := client.Dial(addr)
	if err != nil {
		return nil, err
	}
	if ok, _ := c.SupportStartTLS(); ok {
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Logout()
			return nil, err
		}
	}
	return c, nil
}

// poll reads unseen messages, hands them to handleEmail and flags them seen
func (iw *InboxWorker) poll(ctx context.Context) error {
	c, err := iw.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(iw.IMAP.Username, iw.IMAP.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	if _, err := c.Select(iw.IMAP.Mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	handled := new(imap.SeqSet)
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		email, err := parseInboundEmail(literal)
		if err != nil {
			iw.Logger.Printf("Failed to parse message %d: %v", msg.SeqNum, err)
			continue
		}
		if err := iw.handleEmail(ctx, email); err != nil {
			iw.Logger.Printf("Failed to process message %d: %v", msg.SeqNum, err)
			continue
		}
		handled.AddNum(msg.SeqNum)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %w", err)
	}

	if handled.Empty() {
		return nil
	}
	flags := []interface{}{imap.SeenFlag}
	if err := c.Store(handled, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fmt.Errorf("failed to flag messages seen: %w", err)
	}
	return nil
}

// handleEmail logs a reply against the most recent lead with the sender's
// address and pauses its sequence. Mail from unknown senders is skipped.
func (iw *InboxWorker) handleEmail(ctx context.Context, email *inboundEmail) error {
	key := "imap:" + email.MessageID
	if email.MessageID != "" && iw.Ledger != nil {
		seen, err := iw.Ledger.Seen(ctx, key)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
	}

	lead, err := iw.Engine.Store.FindLatestByEmail(ctx, email.From)
	if err != nil {
		if errors.Is(err, services.ErrLeadNotFound) {
			return nil
		}
		return err
	}

	if _, err := iw.Engine.Messenger.LogInbound(ctx, services.InboundMessage{
		LeadID:     lead.ID,
		Channel:    models.ChannelEmail,
		Subject:    email.Subject,
		Body:       email.Body,
		ExternalID: email.MessageID,
		ReceivedAt: email.Date,
	}); err != nil {
		return err
	}

	at := email.Date
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := iw.Engine.HandleInboundReply(ctx, lead.ID, at); err != nil {
		return err
	}

	if email.MessageID != "" && iw.Ledger != nil {
		if err := iw.Ledger.Record(ctx, key, "imap"); err != nil {
			iw.Logger.Printf("Failed to record message %s: %v", email.MessageID, err)
		}
	}
	iw.Logger.Printf("Reply from lead %d received by email", lead.ID)
	return nil
}

func parseInboundEmail(r io.Reader) (*inboundEmail, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create message reader: %w", err)
	}
	defer mr.Close()

	email := &inboundEmail{}
	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return nil, errors.New("message has no sender")
	}
	email.From = strings.ToLower(from[0].Address)
	email.Subject, _ = mr.Header.Subject()
	email.MessageID, _ = mr.Header.MessageID()
	if date, err := mr.Header.Date(); err == nil {
		email.Date = date.UTC()
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && plain == "":
			plain = string(b)
		case strings.HasPrefix(contentType, "text/html") && html == "":
			html = string(b)
		}
	}

	body := plain
	if body == "" {
		body = html
	}
	email.Body = truncateBody(stripQuotedReply(body), maxInboundBody)
	return email, nil
}

// truncateBody cuts s to at most max bytes without splitting a rune
func truncateBody(s string, max int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// stripQuotedReply drops the quoted history mail clients append below a reply
func stripQuotedReply(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
