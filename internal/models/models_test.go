package models

import (
	"errors"
	"testing"
	"time"
)

func TestMessageValidate(t *testing.T) {
	var nilMsg *Message
	if !errors.Is(nilMsg.Validate(), ErrNilMessage) {
		t.Error("nil message should fail validation")
	}
	if !errors.Is((&Message{ID: 1}).Validate(), ErrInvalidChatID) {
		t.Error("zero chat id should fail validation")
	}
	if err := (&Message{ID: 1, Chat: Chat{ID: -100}}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMessageAccessors(t *testing.T) {
	var nilMsg *Message
	if nilMsg.SenderID() != 0 || nilMsg.ReplyToMessageID() != 0 || nilMsg.IsEdited() {
		t.Error("nil message accessors should return zero values")
	}

	m := &Message{
		ID:      10,
		Chat:    Chat{ID: -100, Type: ChatTypeSupergroup},
		From:    &User{ID: 42},
		ReplyTo: &Message{ID: 9},
	}
	if m.SenderID() != 42 {
		t.Errorf("expected sender 42, got %d", m.SenderID())
	}
	if m.ReplyToMessageID() != 9 {
		t.Errorf("expected reply to 9, got %d", m.ReplyToMessageID())
	}
	if m.IsEdited() {
		t.Error("message without edit date is not edited")
	}
	m.EditDate = time.Now()
	if !m.IsEdited() {
		t.Error("message with edit date is edited")
	}
	if m.Chat.IsPrivate() {
		t.Error("supergroup is not private")
	}
}

func TestMessageKey(t *testing.T) {
	tests := []struct {
		chat int64
		id   int
		want string
	}{
		{-100, 10, "-100-10"},
		{42, 1, "42-1"},
		{0, 0, "0-0"},
	}
	for _, tt := range tests {
		if got := MessageKey(tt.chat, tt.id); got != tt.want {
			t.Errorf("MessageKey(%d, %d) = %q, want %q", tt.chat, tt.id, got, tt.want)
		}
	}
	m := &Message{ID: 10, Chat: Chat{ID: -100}}
	if m.Key() != "-100-10" {
		t.Errorf("unexpected key %q", m.Key())
	}
}

func TestIdentity(t *testing.T) {
	if !IdentityBot.IsBot() || IdentityBot.IsUser() {
		t.Error("bot identity misclassified")
	}
	if !IdentityUser.IsUser() || IdentityUser.IsBot() {
		t.Error("user identity misclassified")
	}
}

func TestUpdateEffectiveFields(t *testing.T) {
	alice := &User{ID: 1}
	bob := &User{ID: 2}
	msg := &Message{ID: 5, Chat: Chat{ID: -7}, From: alice}

	tests := []struct {
		name      string
		update    *Update
		isMessage bool
		message   *Message
		user      *User
		chatID    int64
	}{
		{"nil", nil, false, nil, nil, 0},
		{"message", NewMessageUpdate(msg), true, msg, alice, -7},
		{"edited", NewEditedMessageUpdate(msg), true, msg, alice, -7},
		{"callback", NewCallbackQueryUpdate(&CallbackQuery{ID: "q", From: bob, Message: msg, Data: "x"}), false, msg, bob, -7},
		{"inline callback", NewCallbackQueryUpdate(&CallbackQuery{ID: "q", From: bob, InlineMessageID: "i"}), false, nil, bob, 0},
		{"inline result", NewInlineResultUpdate(&InlineResult{ResultID: "r", From: bob}), false, nil, bob, 0},
		{"message kind without payload", &Update{Kind: UpdateMessage}, false, nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.update.IsMessage(); got != tt.isMessage {
				t.Errorf("IsMessage() = %v, want %v", got, tt.isMessage)
			}
			if got := tt.update.EffectiveMessage(); got != tt.message {
				t.Errorf("EffectiveMessage() = %v, want %v", got, tt.message)
			}
			if got := tt.update.EffectiveUser(); got != tt.user {
				t.Errorf("EffectiveUser() = %v, want %v", got, tt.user)
			}
			if got := tt.update.ChatID(); got != tt.chatID {
				t.Errorf("ChatID() = %d, want %d", got, tt.chatID)
			}
		})
	}
}
