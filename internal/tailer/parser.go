package tailer

import (
	"regexp"
	"strconv"
	"strings"
)

// logLineRe matches "[YYYY-MM-DD HH:MM:SS][LEVEL] <message>".
var logLineRe = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\]\[(INFO|DEBUG|WARN|ERROR)\]\s?(.*)$`)

// parsedLine is one well-formed backend log line.
type parsedLine struct {
	Timestamp string
	Level     string
	Message   string
	Raw       string
}

// parseLine parses one raw log line. Malformed lines return ok=false
// and are ignored, per SPEC_FULL.md §4.C.
func parseLine(raw string) (parsedLine, bool) {
	m := logLineRe.FindStringSubmatch(raw)
	if m == nil {
		return parsedLine{}, false
	}
	return parsedLine{
		Timestamp: m[1],
		Level:     m[2],
		Message:   m[3],
		Raw:       raw,
	}, true
}

var (
	samplingParamRe  = regexp.MustCompile(`(\w+)=([-\w.]+)`)
	promptProgressRe = regexp.MustCompile(`Prompt processing progress:\s*([\d.]+)%`)
	cacheStatsRe     = regexp.MustCompile(`Cache reuse summary:\s*(\d+)/(\d+) of prompt \(([\d.]+)%\),\s*(\d+)\s*prefix,\s*(\d+)\s*non-prefix`)
	generateRe       = regexp.MustCompile(`Generate:\s*n_ctx=(\d+),\s*n_batch=(\d+),\s*n_predict=(-?\d+),\s*n_keep=(\d+)`)
	totalPromptRe    = regexp.MustCompile(`Total prompt tokens:\s*(\d+)`)
	promptDecodeRe   = regexp.MustCompile(`Prompt tokens to decode:\s*(\d+)`)
)

// samplingParamFields is the allowed set of keys extracted from a
// "Sampling params: k=v k=v ..." line, per SPEC_FULL.md §4.C table.
var samplingParamFields = map[string]bool{
	"repeat_last_n": true, "repeat_penalty": true, "frequency_penalty": true,
	"presence_penalty": true, "dry_multiplier": true, "dry_base": true,
	"dry_allowed_length": true, "dry_penalty_last_n": true, "top_k": true,
	"top_p": true, "min_p": true, "xtc_probability": true, "xtc_threshold": true,
	"typical_p": true, "top_n_sigma": true, "temp": true, "mirostat": true,
	"mirostat_lr": true, "mirostat_ent": true,
}

// extractedEvent is an additional typed event derived from a message,
// beyond the base debug_log event every well-formed line produces.
type extractedEvent struct {
	Type    string
	Payload map[string]any
}

// extractTyped inspects a parsed message for the patterns in
// SPEC_FULL.md §4.C's table and returns the extra event to emit, if
// any.
func extractTyped(message string) *extractedEvent {
	switch {
	case strings.Contains(message, "Running chat completion on conversation"):
		return &extractedEvent{Type: "lmstudio_chat_start", Payload: map[string]any{"message": message}}

	case strings.Contains(message, "Sampling params:"):
		fields := map[string]any{}
		for _, m := range samplingParamRe.FindAllStringSubmatch(message, -1) {
			key, val := m[1], m[2]
			if !samplingParamFields[key] {
				continue
			}
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				fields[key] = f
			} else {
				fields[key] = val
			}
		}
		if len(fields) == 0 {
			return nil
		}
		return &extractedEvent{Type: "lmstudio_sampling_params", Payload: fields}

	case promptProgressRe.MatchString(message):
		m := promptProgressRe.FindStringSubmatch(message)
		progress, _ := strconv.ParseFloat(m[1], 64)
		return &extractedEvent{Type: "lmstudio_prompt_progress", Payload: map[string]any{
			"progress": progress, "message": message,
		}}

	case cacheStatsRe.MatchString(message):
		m := cacheStatsRe.FindStringSubmatch(message)
		reused, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		pct, _ := strconv.ParseFloat(m[3], 64)
		prefix, _ := strconv.Atoi(m[4])
		nonPrefix, _ := strconv.Atoi(m[5])
		return &extractedEvent{Type: "lmstudio_cache_stats", Payload: map[string]any{
			"reused": reused, "total": total, "percentage": pct,
			"prefix": prefix, "non_prefix": nonPrefix, "message": message,
		}}

	case generateRe.MatchString(message):
		m := generateRe.FindStringSubmatch(message)
		fields := map[string]any{}
		fields["n_ctx"], _ = strconv.Atoi(m[1])
		fields["n_batch"], _ = strconv.Atoi(m[2])
		fields["n_predict"], _ = strconv.Atoi(m[3])
		fields["n_keep"], _ = strconv.Atoi(m[4])
		return &extractedEvent{Type: "lmstudio_token_info", Payload: fields}

	case totalPromptRe.MatchString(message):
		m := totalPromptRe.FindStringSubmatch(message)
		n, _ := strconv.Atoi(m[1])
		return &extractedEvent{Type: "lmstudio_token_info", Payload: map[string]any{"total_prompt_tokens": n}}

	case promptDecodeRe.MatchString(message):
		m := promptDecodeRe.FindStringSubmatch(message)
		n, _ := strconv.Atoi(m[1])
		return &extractedEvent{Type: "lmstudio_token_info", Payload: map[string]any{"prompt_tokens_to_decode": n}}

	case strings.Contains(message, "BeginProcessingPrompt"):
		return &extractedEvent{Type: "lmstudio_processing_start", Payload: map[string]any{"message": "BeginProcessingPrompt"}}
	}

	return nil
}
