package merge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"transcribe-gate/internal/domain"
)

// ParseSRT reads an SRT caption file into cues. It accepts the shape the
// engine emits: blank-line separated blocks of index, time range, and one
// or more text lines.
func ParseSRT(data []byte) ([]domain.Caption, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	blocks := strings.Split(strings.TrimSpace(text), "\n\n")

	captions := make([]domain.Caption, 0, len(blocks))
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		lines := strings.Split(block, "\n")
		if len(lines) < 2 {
			return nil, fmt.Errorf("malformed srt block: %q", block)
		}

		index, err := strconv.Atoi(strings.TrimSpace(lines[0]))
		if err != nil {
			return nil, fmt.Errorf("malformed srt index %q: %w", lines[0], err)
		}

		start, end, err := parseTimeRange(lines[1])
		if err != nil {
			return nil, err
		}

		captions = append(captions, domain.Caption{
			Index: index,
			Start: start,
			End:   end,
			Text:  strings.TrimSpace(strings.Join(lines[2:], "\n")),
		})
	}
	return captions, nil
}

// FormatSRT renders cues in standard SRT interchange shape.
func FormatSRT(captions []domain.Caption) []byte {
	var b strings.Builder
	for _, c := range captions {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			c.Index, formatTimestamp(c.Start), formatTimestamp(c.End), c.Text)
	}
	return []byte(b.String())
}

// parseTimeRange parses "HH:MM:SS,mmm --> HH:MM:SS,mmm".
func parseTimeRange(line string) (time.Duration, time.Duration, error) {
	parts := strings.Split(line, "-->")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed srt time range: %q", line)
	}

	start, err := parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	end, err := parseTimestamp(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseTimestamp parses "HH:MM:SS,mmm" (or a dot before the millis).
func parseTimestamp(s string) (time.Duration, error) {
	s = strings.Replace(s, ",", ".", 1)
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return 0, fmt.Errorf("malformed srt timestamp: %q", s)
	}

	hours, err1 := strconv.Atoi(fields[0])
	minutes, err2 := strconv.Atoi(fields[1])
	seconds, err3 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("malformed srt timestamp: %q", s)
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second)), nil
}

// formatTimestamp renders a duration as "HH:MM:SS,mmm".
func formatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	ms := (d - s*time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
