// Command logtail follows and colorizes the agent's own structured JSON
// log, for operators who don't want to pipe raw JSON through jq.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"github.com/walles/moor/v2/pkg/moor"
)

var flagPager = flag.Bool("pager", false, "paginate output instead of streaming to stdout")

type writeFlusher interface {
	io.Writer
	Flush() error
}

func defaultLogPath() string {
	if dir := os.Getenv("SETTINGS_DIR"); dir != "" {
		return filepath.Join(dir, "agent.log")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".siegeup", "agent.log")
	}
	return "agent.log"
}

func main() {
	flag.Parse()

	inputPath := defaultLogPath()
	if args := flag.Args(); len(args) == 1 {
		inputPath = args[0]
	} else if len(args) > 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [log-file-path]\n", os.Args[0])
		os.Exit(1)
	}

	ctx := context.Background()

	pipeReader, pipeWriter := io.Pipe()
	buf := bufio.NewReadWriter(bufio.NewReader(pipeReader), bufio.NewWriter(pipeWriter))
	var reader io.Reader = buf.Reader
	var writer writeFlusher = buf.Writer

	h := newHandler(writer)

	t, err := tail.TailFile(inputPath, tail.Config{
		ReOpen:        true,
		Follow:        true,
		CompleteLines: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer t.Cleanup()

	go func() {
		for line := range t.Lines {
			var entry map[string]any
			if err := json.NewDecoder(strings.NewReader(line.Text)).Decode(&entry); err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			if err := h.handle(ctx, entry); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			writer.Flush()
		}
	}()

	if *flagPager {
		if err := moor.PageFromStream(reader, moor.Options{
			NoAutoFormat:  false,
			WrapLongLines: false,
			Title:         inputPath,
		}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if _, err := io.Copy(os.Stdout, reader); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

const (
	timeFormat = "[15:04:05.000]"
	reset      = "\033[0m"

	colorDarkGray    = 90
	colorLightGray   = 37
	colorCyan        = 36
	colorLightBlue   = 94
	colorLightYellow = 93
	colorLightRed    = 91
	colorLightMagenta = 95
	colorWhite       = 97
)

func colorize(code int, s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = fmt.Sprintf("\033[%sm%s%s", strconv.Itoa(code), line, reset)
	}
	return strings.Join(lines, "\n")
}

// handler reformats one decoded JSON slog line as colorized terminal
// output: timestamp, level and message on one line, followed by any
// remaining attrs as indented (multi-line) JSON.
type handler struct {
	mu     sync.Mutex
	writer io.Writer
}

func newHandler(w io.Writer) *handler {
	return &handler{writer: w}
}

func (h *handler) handle(ctx context.Context, entry map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelName, ok := entry[slog.LevelKey].(string)
	if !ok {
		return fmt.Errorf("log line missing string level")
	}

	var level slog.Level
	switch strings.ToUpper(levelName) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown level name %q", levelName)
	}

	label := levelName + ":"
	switch {
	case level <= slog.LevelDebug:
		label = colorize(colorLightGray, label)
	case level <= slog.LevelInfo:
		label = colorize(colorCyan, label)
	case level < slog.LevelWarn:
		label = colorize(colorLightBlue, label)
	case level < slog.LevelError:
		label = colorize(colorLightYellow, label)
	case level <= slog.LevelError+1:
		label = colorize(colorLightRed, label)
	default:
		label = colorize(colorLightMagenta, label)
	}

	var timestamp string
	if raw, ok := entry[slog.TimeKey].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			timestamp = colorize(colorLightGray, ts.Local().Format(timeFormat))
		} else {
			fmt.Fprintf(os.Stderr, "error parsing timestamp %q: %v\n", raw, err)
		}
	}

	msg, _ := entry[slog.MessageKey].(string)

	delete(entry, slog.LevelKey)
	delete(entry, slog.TimeKey)
	delete(entry, slog.MessageKey)

	var attrs []byte
	if len(entry) > 0 {
		var err error
		attrs, err = json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal remaining attrs: %w", err)
		}
	}

	var out strings.Builder
	if timestamp != "" {
		out.WriteString(timestamp)
		out.WriteString(" ")
	}
	out.WriteString(label)
	out.WriteString(" ")
	if msg != "" {
		out.WriteString(msg)
		out.WriteString(" ")
	}
	if len(attrs) > 0 {
		out.WriteString(colorize(colorDarkGray, string(attrs)))
	}

	_, err := io.WriteString(h.writer, out.String()+"\n")
	return err
}
