package delivery

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/net/html"
)

// buildMessage renders an RFC 5322 multipart/alternative message with a
// text part derived from the HTML. It returns the data and the Message-ID.
func buildMessage(from string, msg Message, now time.Time) ([]byte, string, error) {
	text, err := htmlToText(msg.HTML)
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive text part: %w", err)
	}

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), extractDomain(from))
	boundary := uuid.New().String()

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")

	for _, part := range []struct{ contentType, body string }{
		{"text/plain", text},
		{"text/html", msg.HTML},
	} {
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=utf-8\r\n", part.contentType))
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
		buf.WriteString("\r\n")

		qp := quotedprintable.NewWriter(&buf)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, "", err
		}
		if err := qp.Close(); err != nil {
			return nil, "", err
		}
		buf.WriteString("\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return buf.Bytes(), messageID, nil
}

var blockElements = "p, div, h1, h2, h3, h4, h5, h6, li, tr, table, blockquote, section, article, header, footer, hr"

// htmlToText strips markup the way a mail client would show it as plain text
func htmlToText(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithNodes(textNode("\n"))
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href != "" && !strings.HasPrefix(href, "#") && strings.TrimSpace(s.Text()) != href {
			s.AppendNodes(textNode(" (" + href + ")"))
		}
	})
	doc.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.AppendNodes(textNode("\n"))
	})

	var lines []string
	blank := true
	for _, line := range strings.Split(doc.Text(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		lines = append(lines, line)
		blank = false
	}

	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// extractDomain extracts the domain of an address, falling back to localhost
func extractDomain(address string) string {
	if addr, err := mail.ParseAddress(address); err == nil {
		address = addr.Address
	}
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}

// envelopeAddress returns the bare address used for MAIL FROM
func envelopeAddress(address string) string {
	if addr, err := mail.ParseAddress(address); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(address)
}
