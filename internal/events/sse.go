package events

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteSSE 以 Server-Sent Events 格式写出单个事件。
func WriteSSE(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
	return err
}

// WriteKeepAlive 写出 SSE 注释帧，防止代理断开空闲连接。
func WriteKeepAlive(w io.Writer) error {
	_, err := io.WriteString(w, ": keep-alive\n\n")
	return err
}
