package proxy

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// relaySSE streams the backend's SSE response to the client verbatim,
// flushing after every event boundary so partial generations appear
// immediately. It never buffers-then-forwards: this gateway performs
// no inspection or rewriting of streamed content, unlike the teacher's
// buffer/reconstruct/modify pipeline, which existed to evaluate tool
// calls that have no counterpart in this spec (see DESIGN.md).
//
// Returns the completion token usage reported in the stream's final
// chunk, if the backend included one (OpenAI's stream_options.include_usage).
func relaySSE(w http.ResponseWriter, flusher http.Flusher, body io.Reader) (usage *streamUsage) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentData strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		w.Write([]byte(line))
		w.Write([]byte("\n"))

		if line == "" {
			flusher.Flush()
			data := currentData.String()
			currentData.Reset()
			if data == "" || data == "[DONE]" {
				continue
			}
			if u := parseStreamUsage(data); u != nil {
				usage = u
			}
			continue
		}

		if strings.HasPrefix(line, "data:") {
			d := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if currentData.Len() > 0 {
				currentData.WriteByte('\n')
			}
			currentData.WriteString(d)
		}
	}
	flusher.Flush()
	return usage
}

type streamUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// parseStreamUsage extracts a chat-completion-chunk's top-level "usage"
// field, present only on the final chunk when the client requested it.
func parseStreamUsage(data string) *streamUsage {
	var chunk struct {
		Usage *streamUsage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil
	}
	return chunk.Usage
}
