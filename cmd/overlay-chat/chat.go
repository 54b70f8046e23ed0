package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

var (
	senderColor = color.New(color.FgCyan, color.Bold)
	selfColor   = color.New(color.FgGreen, color.Bold)
	noticeColor = color.New(color.FgYellow)
)

// chatMessage 聊天消息负载
type chatMessage struct {
	From    string    `json:"from"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func encodeChat(from, text string, now time.Time) ([]byte, error) {
	return json.Marshal(chatMessage{From: from, Time: now.UTC(), Message: text})
}

func decodeChat(b []byte) (*chatMessage, error) {
	var m chatMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("invalid chat message: %w", err)
	}
	if m.From == "" {
		return nil, fmt.Errorf("invalid chat message: missing sender")
	}
	return &m, nil
}

// printMessage 输出一条聊天消息，self 为本节点发出的消息
func printMessage(w io.Writer, m *chatMessage, self bool) {
	tag := senderColor
	if self {
		tag = selfColor
	}
	from := m.From
	if len(from) > 8 {
		from = from[:8]
	}
	fmt.Fprintf(w, "%s %s %s\n",
		m.Time.Local().Format("15:04:05"),
		tag.Sprintf("<%s>", from),
		strings.TrimRight(m.Message, "\r\n"))
}

func printNotice(w io.Writer, format string, args ...any) {
	noticeColor.Fprintf(w, "*** "+format+"\n", args...)
}
