// ABOUTME: Matrix room delivery for dispatched reply blocks
// ABOUTME: Sends text with reply relations, uploads media and drives the typing notice

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/reply"
)

// typingTimeout is how long the homeserver shows the typing notice without a
// refresh. The dispatch engine refreshes well inside it.
const typingTimeout = 30 * time.Second

// maxMediaBytes caps a remote attachment fetched for re-upload.
const maxMediaBytes = 50 << 20

var errUnsupportedMedia = errors.New("unsupported media url")

// matrixChannel delivers one turn's blocks into a room.
type matrixChannel struct {
	client *mautrix.Client
	http   *http.Client
	roomID id.RoomID
	// threadRoot keeps replies inside the thread the turn arrived in.
	threadRoot id.EventID
	logger     *slog.Logger
}

// Deliver sends the block text, then each attachment. Only the first event
// of a block carries the reply relation.
func (c *matrixChannel) Deliver(ctx context.Context, p reply.Payload) error {
	replyTo := id.EventID(p.ReplyToID)

	if strings.TrimSpace(p.Text) != "" {
		content := textContent(p.Text, p.IsError)
		content.RelatesTo = relation(replyTo, c.threadRoot)
		if _, err := c.client.SendMessageEvent(ctx, c.roomID, event.EventMessage, content); err != nil {
			return fmt.Errorf("sending text: %w", err)
		}
		replyTo = ""
	}

	for _, raw := range p.MediaURLs {
		content, err := c.mediaContent(ctx, raw)
		if err != nil {
			return fmt.Errorf("preparing media: %w", err)
		}
		content.RelatesTo = relation(replyTo, c.threadRoot)
		if _, err := c.client.SendMessageEvent(ctx, c.roomID, event.EventMessage, content); err != nil {
			return fmt.Errorf("sending media: %w", err)
		}
		replyTo = ""
	}
	return nil
}

// SendTyping turns the room's typing notice on.
func (c *matrixChannel) SendTyping(ctx context.Context) error {
	_, err := c.client.UserTyping(ctx, c.roomID, true, typingTimeout)
	return err
}

// StopTyping clears the room's typing notice.
func (c *matrixChannel) StopTyping(ctx context.Context) error {
	_, err := c.client.UserTyping(ctx, c.roomID, false, 0)
	return err
}

func (c *matrixChannel) mediaContent(ctx context.Context, raw string) (*event.MessageEventContent, error) {
	if strings.HasPrefix(raw, "mxc://") {
		mimeType := mime.TypeByExtension(path.Ext(raw))
		return mediaMessage(id.ContentURIString(raw), mimeType, mediaName(raw, mimeType), 0), nil
	}

	var (
		data     []byte
		mimeType string
		err      error
	)
	switch {
	case strings.HasPrefix(raw, "data:"):
		data, mimeType, err = decodeDataURL(raw)
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		data, mimeType, err = c.fetch(ctx, raw)
	default:
		err = fmt.Errorf("%w: %q", errUnsupportedMedia, truncate(raw, 40))
	}
	if err != nil {
		return nil, err
	}

	resp, err := c.client.UploadBytes(ctx, data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("uploading media: %w", err)
	}
	c.logger.Debug("uploaded media", "room", c.roomID.String(), "bytes", len(data), "mime", mimeType)
	return mediaMessage(resp.ContentURI.CUString(), mimeType, mediaName(raw, mimeType), len(data)), nil
}

func (c *matrixChannel) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}

	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType, _, _ = mime.ParseMediaType(http.DetectContentType(data))
	}
	return data, mimeType, nil
}

// textContent builds a message with an HTML body when the text has markdown.
// Error blocks are sent as notices.
func textContent(text string, isError bool) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if isError {
		content.MsgType = event.MsgNotice
	}
	if formatted := renderHTML(text); formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}

func mediaMessage(uri id.ContentURIString, mimeType, name string, size int) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType: msgTypeFor(mimeType),
		Body:    name,
		URL:     uri,
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     size,
		},
	}
}

// relation threads an event under replyTo, inside threadRoot when set.
func relation(replyTo, threadRoot id.EventID) *event.RelatesTo {
	if threadRoot != "" {
		rel := &event.RelatesTo{
			Type:      event.RelThread,
			EventID:   threadRoot,
			InReplyTo: &event.InReplyTo{EventID: replyTo},
		}
		if replyTo == "" {
			rel.InReplyTo.EventID = threadRoot
			rel.IsFallingBack = true
		}
		return rel
	}
	if replyTo == "" {
		return nil
	}
	return &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: replyTo}}
}

func msgTypeFor(mimeType string) event.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// mediaName picks a display name from the URL path, falling back to a
// generic name with an extension matching mimeType.
func mediaName(raw, mimeType string) string {
	if !strings.HasPrefix(raw, "data:") {
		if u, err := url.Parse(raw); err == nil {
			if base := path.Base(u.Path); base != "." && base != "/" && path.Ext(base) != "" {
				return base
			}
		}
	}
	name := "attachment"
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		name += exts[0]
	}
	return name
}

// decodeDataURL decodes an RFC 2397 data URL.
func decodeDataURL(raw string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return nil, "", fmt.Errorf("%w: not a data url", errUnsupportedMedia)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: data url has no payload", errUnsupportedMedia)
	}

	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		meta, isBase64 = m, true
	}
	mimeType := "text/plain"
	if meta != "" {
		mt, _, err := mime.ParseMediaType(meta)
		if err != nil {
			return nil, "", fmt.Errorf("parsing data url type: %w", err)
		}
		mimeType = mt
	}

	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decoding data url: %w", err)
		}
		return data, mimeType, nil
	}
	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decoding data url: %w", err)
	}
	return []byte(text), mimeType, nil
}
