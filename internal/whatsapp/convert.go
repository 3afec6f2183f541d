package whatsapp

import (
	"html"
	"regexp"
	"strings"

	"github.com/BTreeMap/UBCore/internal/models"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// messageText returns the user visible text of msg, falling back to media
// captions.
func messageText(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

// contextInfoOf returns the reply context carried by msg, if any.
func contextInfoOf(msg *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetContextInfo()
	}
	return nil
}

func chatFor(jid types.JID, ids *IDMap) models.Chat {
	chat := models.Chat{ID: ids.ChatID(jid)}
	switch jid.Server {
	case types.GroupServer:
		chat.Type = models.ChatTypeGroup
	case types.NewsletterServer, types.BroadcastServer:
		chat.Type = models.ChatTypeChannel
	default:
		chat.Type = models.ChatTypePrivate
	}
	return chat
}

// convertEvent maps a Whatsmeow message event to an update. Edits and
// reactions become edited-message updates of the original message; other
// protocol messages yield nil.
func (c *Client) convertEvent(evt *events.Message) *models.Update {
	info := evt.Info
	msg := evt.Message
	if msg == nil {
		return nil
	}
	from := &models.User{ID: c.ids.ChatID(info.Sender), FirstName: info.PushName}
	chat := chatFor(info.Chat, c.ids)

	if p := msg.GetProtocolMessage(); p != nil {
		if p.GetType() != waE2E.ProtocolMessage_MESSAGE_EDIT || p.GetEditedMessage() == nil {
			return nil
		}
		text := messageText(p.GetEditedMessage())
		num := c.ids.MessageNum(MessageRef{Chat: info.Chat, ID: p.GetKey().GetID(), Sender: info.Sender, FromMe: info.IsFromMe, Text: text})
		ref, _ := c.ids.Lookup(num)
		return models.NewEditedMessageUpdate(&models.Message{
			ID:       num,
			Chat:     chat,
			From:     from,
			Text:     text,
			Date:     ref.Date,
			EditDate: info.Timestamp,
			Outgoing: info.IsFromMe,
		})
	}

	if r := msg.GetReactionMessage(); r != nil {
		num := c.ids.MessageNum(MessageRef{Chat: info.Chat, ID: r.GetKey().GetID()})
		ref, _ := c.ids.Lookup(num)
		out := &models.Message{
			ID:           num,
			Chat:         chat,
			Text:         ref.Text,
			Date:         ref.Date,
			EditDate:     info.Timestamp,
			Outgoing:     ref.FromMe,
			HasReactions: true,
		}
		if !ref.Sender.IsEmpty() {
			out.From = &models.User{ID: c.ids.ChatID(ref.Sender)}
		}
		return models.NewEditedMessageUpdate(out)
	}

	text := messageText(msg)
	num := c.ids.MessageNum(MessageRef{Chat: info.Chat, Sender: info.Sender, ID: info.ID, FromMe: info.IsFromMe, Text: text, Date: info.Timestamp})
	out := &models.Message{
		ID:       num,
		Chat:     chat,
		From:     from,
		Text:     text,
		Date:     info.Timestamp,
		Outgoing: info.IsFromMe,
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		out.Document = &models.Document{Name: doc.GetFileName(), Size: int64(doc.GetFileLength())}
	}
	if ci := contextInfoOf(msg); ci != nil && ci.GetStanzaID() != "" {
		var sender types.JID
		if p := ci.GetParticipant(); p != "" {
			sender, _ = types.ParseJID(p)
		}
		quoted := messageText(ci.GetQuotedMessage())
		self := c.selfJID()
		fromMe := !sender.IsEmpty() && !self.IsEmpty() && sender.ToNonAD() == self
		replyNum := c.ids.MessageNum(MessageRef{Chat: info.Chat, Sender: sender, ID: ci.GetStanzaID(), FromMe: fromMe, Text: quoted})
		reply := &models.Message{ID: replyNum, Chat: chat, Text: quoted, Outgoing: fromMe}
		if !sender.IsEmpty() {
			reply.From = &models.User{ID: c.ids.ChatID(sender)}
		}
		out.ReplyTo = reply
	}
	return models.NewMessageUpdate(out)
}

var (
	htmlTag      = regexp.MustCompile(`<[^>]+>`)
	htmlReplacer = strings.NewReplacer(
		"<b>", "*", "</b>", "*",
		"<strong>", "*", "</strong>", "*",
		"<i>", "_", "</i>", "_",
		"<em>", "_", "</em>", "_",
		"<s>", "~", "</s>", "~",
		"<code>", "`", "</code>", "`",
		"<pre>", "```", "</pre>", "```",
		"<br>", "\n", "<br/>", "\n",
	)
)

// htmlToWhatsApp rewrites the small HTML subset used by command output into
// WhatsApp markup and drops any other tags.
func htmlToWhatsApp(s string) string {
	s = htmlReplacer.Replace(s)
	s = htmlTag.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}
