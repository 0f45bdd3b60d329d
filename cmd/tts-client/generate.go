package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/tts-gateway/internal/audio"
	"github.com/book-expert/tts-gateway/internal/core"
	"github.com/book-expert/tts-gateway/internal/objectstore"
	"github.com/book-expert/tts-gateway/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const (
	defaultReplyTimeout = 10 * time.Minute
	textKeyPrefix       = "text/"
	outputFileMode      = 0o600
)

// Log and error messages.
const (
	logFmtRequestSent  = "Sent generation request %s (%d characters, voice %s)"
	logFmtReplyFailed  = "Generation %s failed: %s (%s)"
	logFmtAudioWritten = "Wrote %s (%d bytes)"
	errFmtGeneration   = "generation %s failed [%s]: %s"
)

var (
	errNoText     = errors.New("provide --text or --file")
	errBothInputs = errors.New("use either --text or --file, not both")
)

type generateOptions struct {
	text            string
	file            string
	voiceID         string
	voiceName       string
	modelID         string
	format          string
	language        string
	seed            int64
	tier            string
	userID          string
	preview         bool
	previewLanguage string
	output          string
	subtitles       bool
	uploadText      bool
	timeout         time.Duration
}

func newGenerateCmd(state *app) *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate speech through the gateway and save the audio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd, state, &opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.text, "text", "t", "", "Text to speak")
	flags.StringVarP(&opts.file, "file", "f", "", "Read the text from a file")
	flags.StringVar(&opts.voiceID, "voice", "", "Voice ID")
	flags.StringVar(&opts.voiceName, "voice-name", "", "Voice name used in the output file name")
	flags.StringVar(&opts.modelID, "model", "", "Model ID (gateway default when empty)")
	flags.StringVar(&opts.format, "format", "", "Output format, for example mp3_44100_128")
	flags.StringVar(&opts.language, "language", "", "Language code")
	flags.Int64Var(&opts.seed, "seed", -1, "Base seed for reproducible output (derived when negative)")
	flags.StringVar(&opts.tier, "tier", "", "Credential tier: regular or premium")
	flags.StringVar(&opts.userID, "user", "", "User whose credits pay for the request")
	flags.BoolVar(&opts.preview, "preview", false, "Synthesize the voice's preview sentence")
	flags.StringVar(&opts.previewLanguage, "preview-language", "", "Language of the preview sentence")
	flags.StringVarP(&opts.output, "output", "o", "", "Output file (named after voice, text and time when empty)")
	flags.BoolVar(&opts.subtitles, "subtitles", false, "Also save the SubRip subtitles")
	flags.BoolVar(&opts.uploadText, "upload-text", false, "Send the text through the object store instead of inline")
	flags.DurationVar(&opts.timeout, "timeout", defaultReplyTimeout, "How long to wait for the gateway")
	_ = cmd.MarkFlagRequired("voice")

	return cmd
}

func runGenerate(cmd *cobra.Command, state *app, opts *generateOptions) error {
	input, err := readInput(opts)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(state.cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("open JetStream: %w", err)
	}

	var store core.ObjectStore

	store, err = objectstore.New(js, state.cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	event := buildEvent(opts, input)

	if opts.uploadText && !opts.preview {
		event.TextKey = textKeyPrefix + event.Header.EventID + ".txt"
		event.Text = ""

		if err := store.Upload(ctx, event.TextKey, []byte(input)); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	state.log.Info(logFmtRequestSent, event.Header.EventID, len(input), event.VoiceID)

	msg, err := nc.Request(state.cfg.NATS.RequestSubject, payload, opts.timeout)
	if err != nil {
		return fmt.Errorf("request generation: %w", err)
	}

	var reply worker.GenerationCompletedEvent
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	if reply.Status != core.GenerationCompleted {
		state.log.Error(logFmtReplyFailed, reply.RequestID, reply.Error, reply.ErrorCode)

		return fmt.Errorf(errFmtGeneration, reply.RequestID, reply.ErrorCode, reply.Error)
	}

	output := opts.output
	if output == "" {
		name := opts.voiceName
		if name == "" {
			name = opts.voiceID
		}

		output = audio.OutputFilename(name, input, time.Now(), reply.OutputFormat)
	}

	data, err := saveObject(ctx, store, reply.AudioKey, output)
	if err != nil {
		return err
	}

	state.log.Info(logFmtAudioWritten, output, len(data))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Saved %s (%s, %s, %d chunks, %d credits, seed %d)\n",
		output,
		audio.FormatFileSize(int64(len(data))),
		audio.FormatDuration(reply.Duration),
		reply.Chunks,
		reply.CreditsCharged,
		reply.Seed,
	)

	if opts.subtitles && reply.SubtitleKey != "" {
		subtitlePath := strings.TrimSuffix(output, filepath.Ext(output)) + ".srt"
		if _, err := saveObject(ctx, store, reply.SubtitleKey, subtitlePath); err != nil {
			return err
		}

		fmt.Fprintf(out, "Saved %s\n", subtitlePath)
	}

	return nil
}

// saveObject copies one stored object to a local file.
func saveObject(ctx context.Context, store core.ObjectStore, key, path string) ([]byte, error) {
	data, err := store.Download(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, data, outputFileMode); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return data, nil
}

func readInput(opts *generateOptions) (string, error) {
	if opts.preview {
		return "", nil
	}

	switch {
	case opts.text != "" && opts.file != "":
		return "", errBothInputs
	case opts.text != "":
		return opts.text, nil
	case opts.file != "":
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return "", fmt.Errorf("read text file: %w", err)
		}

		return string(data), nil
	default:
		return "", errNoText
	}
}

func buildEvent(opts *generateOptions, input string) worker.GenerationRequestedEvent {
	var seed *uint32

	if opts.seed >= 0 {
		value := uint32(opts.seed)
		seed = &value
	}

	return worker.GenerationRequestedEvent{
		Header:          worker.NewHeader("", opts.userID),
		VoiceID:         opts.voiceID,
		VoiceLanguage:   "",
		Text:            input,
		TextKey:         "",
		ModelID:         opts.modelID,
		OutputFormat:    opts.format,
		Language:        opts.language,
		Settings:        nil,
		Seed:            seed,
		Tier:            core.Tier(opts.tier),
		Preview:         opts.preview,
		PreviewLanguage: opts.previewLanguage,
	}
}
