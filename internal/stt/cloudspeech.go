package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lexiqai/transcript-gateway/internal/audio"
	"github.com/lexiqai/transcript-gateway/internal/observability"
	"github.com/lexiqai/transcript-gateway/internal/resilience"
)

const speechAPIEndpointPort = 443

// GoogleSpeechConfig configures the Cloud Speech-to-Text v2 provider
type GoogleSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string // Empty uses application default credentials
	Location        string
	Model           string
	Language        string
}

// GoogleSpeech streams audio to Cloud Speech-to-Text v2 over gRPC
type GoogleSpeech struct {
	cfg    GoogleSpeechConfig
	client *speech.Client
	logger zerolog.Logger
}

// NewGoogleSpeech creates the shared Speech client
func NewGoogleSpeech(ctx context.Context, cfg GoogleSpeechConfig) (*GoogleSpeech, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("%w: Google Cloud project id is required", ErrConfigInvalid)
	}
	cfg.Location = strings.TrimSpace(cfg.Location)
	if cfg.Location == "" {
		cfg.Location = "global"
	}
	cfg.Model = strings.TrimSpace(cfg.Model)

	detect := &credentials.DetectOptions{
		Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
	if cfg.CredentialsJSON != "" {
		detect.CredentialsJSON = []byte(cfg.CredentialsJSON)
	}
	creds, err := credentials.DetectDefault(detect)
	if err != nil {
		return nil, fmt.Errorf("%w: detect credentials: %w", ErrConfigInvalid, err)
	}

	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if cfg.Location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", cfg.Location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Speech client: %w", err)
	}

	return &GoogleSpeech{
		cfg:    cfg,
		client: client,
		logger: observability.GetLogger().With().Str("component", "google_speech").Logger(),
	}, nil
}

func (g *GoogleSpeech) Name() string {
	return "google"
}

func (g *GoogleSpeech) SupportsEncoding(enc audio.Encoding) bool {
	return enc == audio.EncodingPCM16 || enc == audio.EncodingMulaw
}

// Close releases the underlying gRPC connection
func (g *GoogleSpeech) Close() error {
	return g.client.Close()
}

func (g *GoogleSpeech) recognizer() string {
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", g.cfg.ProjectID, g.cfg.Location)
}

func speechEncoding(enc audio.Encoding) speechpb.ExplicitDecodingConfig_AudioEncoding {
	if enc == audio.EncodingMulaw {
		return speechpb.ExplicitDecodingConfig_MULAW
	}
	return speechpb.ExplicitDecodingConfig_LINEAR16
}

// Connect opens a StreamingRecognize call and sends the streaming config
func (g *GoogleSpeech) Connect(ctx context.Context, cfg StreamConfig) (Conn, error) {
	language := g.cfg.Language
	if cfg.Language != "" {
		language = cfg.Language
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := g.client.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		return nil, classifySpeechError(err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		Recognizer: g.recognizer(),
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         g.cfg.Model,
					LanguageCodes: []string{language},
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechEncoding(cfg.Format.Encoding),
							SampleRateHertz:   int32(cfg.Format.SampleRate),
							AudioChannelCount: 1,
						},
					},
					Features: &speechpb.RecognitionFeatures{
						EnableAutomaticPunctuation: true,
					},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
			},
		},
	})
	if err != nil {
		_ = stream.CloseSend()
		cancel()
		return nil, classifySpeechError(err)
	}

	logger := g.logger.With().Str("session_id", cfg.SessionID).Logger()
	logger.Debug().
		Str("location", g.cfg.Location).
		Str("language", language).
		Str("model", g.cfg.Model).
		Msg("Cloud Speech stream initialized")

	return &speechConn{
		stream: stream,
		cancel: cancel,
		logger: logger,
	}, nil
}

type speechConn struct {
	stream  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	logger  zerolog.Logger
	pending []Result // Owned by Recv
	segment int
}

func (c *speechConn) Send(chunk []byte) error {
	err := c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: chunk,
		},
	})
	if err != nil {
		return classifySpeechError(err)
	}
	return nil
}

func (c *speechConn) Finish() error {
	return c.stream.CloseSend()
}

func (c *speechConn) Recv() (Result, error) {
	for len(c.pending) == 0 {
		resp, err := c.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Result{}, io.EOF
			}
			return Result{}, classifySpeechError(err)
		}
		c.collect(resp)
	}

	res := c.pending[0]
	c.pending = c.pending[1:]
	return res, nil
}

// collect emits each final on its own segment and joins interim results
// (stable prefix plus unstable tail) into one partial
func (c *speechConn) collect(resp *speechpb.StreamingRecognizeResponse) {
	var partial []string
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		text := strings.TrimSpace(alts[0].GetTranscript())
		if text == "" {
			continue
		}

		if result.GetIsFinal() {
			c.pending = append(c.pending, Result{Text: text, Segment: c.segment, IsFinal: true})
			c.segment++
			continue
		}
		partial = append(partial, text)
	}
	if len(partial) > 0 {
		c.pending = append(c.pending, Result{Text: strings.Join(partial, " "), Segment: c.segment})
	}
}

func (c *speechConn) Close() error {
	c.cancel()
	return nil
}

// classifySpeechError marks transient gRPC failures as retryable; Aborted
// covers the stream duration limit
func classifySpeechError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return resilience.NewRetryableError(err)
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument:
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	return err
}
