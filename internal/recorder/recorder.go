package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/chatrelay/internal/message"
)

// TimeLayout is the timestamp part of recorded file names.
const TimeLayout = "20060102_150405"

// fileWriter manages a single JSONL file
type fileWriter struct {
	file          *os.File
	writer        *bufio.Writer
	createdAt     time.Time
	bytesWritten  int64
	messageBuffer []message.Message
	platform      string
	channel       string
	filename      string
}

// Recorder buffers relayed chat messages and writes them to rotating JSONL files
type Recorder struct {
	outputDir     string
	bufferSize    int
	rotateAfter   time.Duration
	rotateBytes   int64
	checkInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	currentFiles map[string]*fileWriter // key: "platform_channel"
	mu           sync.Mutex
}

// Options configures a Recorder.
type Options struct {
	OutputDir       string
	BufferSize      int
	RotateMinutes   int
	RotateMegabytes int
	Logger          zerolog.Logger
}

// New creates a new recorder
func New(opts Options) *Recorder {
	bufferSize := opts.BufferSize
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Recorder{
		outputDir:     opts.OutputDir,
		bufferSize:    bufferSize,
		rotateAfter:   time.Duration(opts.RotateMinutes) * time.Minute,
		rotateBytes:   int64(opts.RotateMegabytes) * 1024 * 1024,
		checkInterval: time.Minute,
		now:           time.Now,
		logger:        opts.Logger.With().Str("component", "recorder").Logger(),
		currentFiles:  make(map[string]*fileWriter),
	}
}

// Start records messages until ctx is done, then flushes and closes every
// open file. Closed files are sent on fileChan for upload.
func (r *Recorder) Start(ctx context.Context, messageChan <-chan message.Message, fileChan chan<- string) error {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-messageChan:
			if err := r.recordMessage(msg); err != nil {
				r.logger.Error().Err(err).Msg("failed to record message")
			}

		case <-ticker.C:
			r.checkRotation(fileChan)

		case <-ctx.Done():
			r.logger.Info().Msg("recorder shutting down, flushing buffers")
			r.flushAll(fileChan)
			return ctx.Err()
		}
	}
}

// fileKey derives the platform and channel parts of a file name. The
// platform is the last segment of the module name ("oba:chat:beam" is
// "beam"); the channel is the caster's identify value.
func fileKey(msg message.Message) (platform, channel string) {
	platform = msg.Module.Name
	if i := strings.LastIndex(platform, ":"); i >= 0 {
		platform = platform[i+1:]
	}
	return sanitize(platform, "chat"), sanitize(msg.Module.Caster.Identify, "unknown")
}

// sanitize keeps names safe for file paths and S3 keys.
func sanitize(s, fallback string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
	if s == "" {
		return fallback
	}
	return s
}

func (r *Recorder) recordMessage(msg message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	platform, channel := fileKey(msg)
	key := platform + "_" + channel
	fw := r.currentFiles[key]

	if fw == nil {
		var err error
		fw, err = r.createFileWriter(platform, channel)
		if err != nil {
			return fmt.Errorf("create file writer: %w", err)
		}
		r.currentFiles[key] = fw
	}

	fw.messageBuffer = append(fw.messageBuffer, msg)

	if len(fw.messageBuffer) >= r.bufferSize {
		if err := r.flushFileWriter(fw); err != nil {
			return fmt.Errorf("flush buffer: %w", err)
		}
	}

	return nil
}

func (r *Recorder) createFileWriter(platform, channel string) (*fileWriter, error) {
	now := r.now()
	filename := fmt.Sprintf("%s_%s_%s.jsonl", platform, channel, now.UTC().Format(TimeLayout))
	path := filepath.Join(r.outputDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	r.logger.Info().Str("file", filename).Msg("created new log file")

	return &fileWriter{
		file:          file,
		writer:        bufio.NewWriter(file),
		createdAt:     now,
		messageBuffer: make([]message.Message, 0, r.bufferSize),
		platform:      platform,
		channel:       channel,
		filename:      filename,
	}, nil
}

// flushFileWriter writes buffered messages to disk
func (r *Recorder) flushFileWriter(fw *fileWriter) error {
	for _, msg := range fw.messageBuffer {
		data, err := json.Marshal(msg)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to marshal message")
			continue
		}

		n, err := fw.writer.Write(data)
		if err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		fw.bytesWritten += int64(n)

		if err := fw.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
		fw.bytesWritten++
	}

	fw.messageBuffer = fw.messageBuffer[:0]
	return fw.writer.Flush()
}

func (r *Recorder) checkRotation(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, fw := range r.currentFiles {
		reason := ""
		switch {
		case r.rotateAfter > 0 && now.Sub(fw.createdAt) >= r.rotateAfter:
			reason = "time limit"
		case r.rotateBytes > 0 && fw.bytesWritten >= r.rotateBytes:
			reason = "size limit"
		}

		if reason != "" {
			r.logger.Info().Str("file", fw.filename).Str("reason", reason).Msg("rotating file")
			r.rotateFile(key, fw, fileChan)
		}
	}
}

// closeFile flushes and closes fw, then queues it for upload.
func (r *Recorder) closeFile(fw *fileWriter, fileChan chan<- string) {
	if err := r.flushFileWriter(fw); err != nil {
		r.logger.Error().Err(err).Str("file", fw.filename).Msg("failed to flush file writer")
	}
	if err := fw.file.Close(); err != nil {
		r.logger.Error().Err(err).Str("file", fw.filename).Msg("failed to close file")
	}

	path := filepath.Join(r.outputDir, fw.filename)
	select {
	case fileChan <- path:
		r.logger.Info().Str("file", fw.filename).Msg("queued file for upload")
	default:
		r.logger.Warn().Str("file", fw.filename).Msg("upload queue full, file will be uploaded on next start")
	}
}

// rotateFile closes the current file and opens a new one
func (r *Recorder) rotateFile(key string, fw *fileWriter, fileChan chan<- string) {
	r.closeFile(fw, fileChan)

	newFw, err := r.createFileWriter(fw.platform, fw.channel)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to create new file writer")
		delete(r.currentFiles, key)
		return
	}
	r.currentFiles[key] = newFw
}

func (r *Recorder) flushAll(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, fw := range r.currentFiles {
		r.closeFile(fw, fileChan)
		delete(r.currentFiles, key)
	}

	r.logger.Info().Msg("all files flushed and closed")
}
