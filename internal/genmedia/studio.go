// Package genmedia renders portraits and animates them through the Google
// GenAI SDK. Portraits come from an image-capable Gemini model; animation runs
// as a Veo long-running operation that callers poll by name.
package genmedia

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/providers"
)

const (
	DefaultImageModel       = "gemini-2.0-flash-preview-image-generation"
	DefaultVideoModel       = "veo-2.0-generate-001"
	defaultDurationSeconds  = 5
	defaultAspectRatio      = "16:9"
	defaultPersonGeneration = "allow_adult"
	defaultVideoMIMEType    = "video/mp4"
)

// Options configures a Studio.
type Options struct {
	APIKey           string
	ImageModel       string
	VideoModel       string
	DurationSeconds  int32
	AspectRatio      string
	PersonGeneration string
	Logger           *slog.Logger
}

// Studio implements portrait synthesis and the animation job protocol.
type Studio struct {
	api              backend
	imageModel       string
	videoModel       string
	durationSeconds  int32
	aspectRatio      string
	personGeneration string
	logger           *slog.Logger
}

// New creates a Studio backed by the Gemini API.
func New(ctx context.Context, opts Options) (*Studio, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, providers.Wrap(providers.ErrConfiguration, "genmedia", "", "GEMINI_API_KEY environment variable not set", nil)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return newStudio(&sdkBackend{client: client}, opts), nil
}

func newStudio(api backend, opts Options) *Studio {
	s := &Studio{
		api:              api,
		imageModel:       strings.TrimSpace(opts.ImageModel),
		videoModel:       strings.TrimSpace(opts.VideoModel),
		durationSeconds:  opts.DurationSeconds,
		aspectRatio:      strings.TrimSpace(opts.AspectRatio),
		personGeneration: strings.TrimSpace(opts.PersonGeneration),
		logger:           opts.Logger,
	}
	if s.imageModel == "" {
		s.imageModel = DefaultImageModel
	}
	if s.videoModel == "" {
		s.videoModel = DefaultVideoModel
	}
	if s.durationSeconds <= 0 {
		s.durationSeconds = defaultDurationSeconds
	}
	if s.aspectRatio == "" {
		s.aspectRatio = defaultAspectRatio
	}
	if s.personGeneration == "" {
		s.personGeneration = defaultPersonGeneration
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SynthesizePortrait paints the subject of photo in the style of the analyzed era.
func (s *Studio) SynthesizePortrait(ctx context.Context, photo models.Media, analysis models.Analysis) (models.Portrait, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(buildPortraitPrompt(analysis)),
			genai.NewPartFromBytes(photo.Data, photo.MIMEType),
		}, genai.RoleUser),
	}

	resp, err := s.api.generateContent(ctx, s.imageModel, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		return models.Portrait{}, providers.Wrap(providers.ErrSynthesis, "portrait", "generate", "", err)
	}

	image, ok := firstInlineImage(resp)
	if !ok {
		return models.Portrait{}, providers.Wrap(providers.ErrSynthesis, "portrait", "", "could not generate a portrait", nil)
	}
	s.logger.Debug("Portrait generated", "model", s.imageModel, "mime_type", image.MIMEType, "bytes", len(image.Data))
	return models.Portrait{Image: image}, nil
}

// SubmitAnimation starts a video generation operation for the portrait.
func (s *Studio) SubmitAnimation(ctx context.Context, portrait models.Media) (models.RemoteJob, error) {
	if portrait.Empty() {
		return models.RemoteJob{}, providers.Wrap(providers.ErrAnimation, "animate", "submit", "portrait is empty", nil)
	}
	duration := s.durationSeconds
	op, err := s.api.generateVideos(ctx, s.videoModel, animationPrompt, &genai.Image{
		ImageBytes: portrait.Data,
		MIMEType:   portrait.MIMEType,
	}, &genai.GenerateVideosConfig{
		NumberOfVideos:   1,
		DurationSeconds:  &duration,
		AspectRatio:      s.aspectRatio,
		PersonGeneration: s.personGeneration,
	})
	if err != nil {
		return models.RemoteJob{}, providers.Wrap(providers.ErrAnimation, "animate", "submit", "", err)
	}
	if op == nil || strings.TrimSpace(op.Name) == "" {
		return models.RemoteJob{}, providers.Wrap(providers.ErrAnimation, "animate", "submit", "expected the model to return an operation", nil)
	}

	s.logger.Info("Animation job submitted", "operation", op.Name, "model", s.videoModel)
	return jobFromOperation(op), nil
}

// PollAnimation refreshes the status of a submitted job.
func (s *Studio) PollAnimation(ctx context.Context, job models.RemoteJob) (models.RemoteJob, error) {
	if strings.TrimSpace(job.ID) == "" {
		return models.RemoteJob{}, providers.Wrap(providers.ErrAnimation, "animate", "poll", "job id is empty", nil)
	}
	op, err := s.api.getVideosOperation(ctx, &genai.GenerateVideosOperation{Name: job.ID})
	if err != nil {
		return models.RemoteJob{}, providers.Wrap(providers.ErrAnimation, "animate", "poll", job.ID, err)
	}
	if op == nil {
		return models.RemoteJob{}, providers.Wrap(providers.ErrAnimation, "animate", "poll", "operation vanished", nil)
	}
	if op.Name == "" {
		op.Name = job.ID
	}
	return jobFromOperation(op), nil
}

// FetchAnimation returns the clip of a finished job, downloading it when the
// operation only carried a URI.
func (s *Studio) FetchAnimation(ctx context.Context, job models.RemoteJob) (models.Media, error) {
	if job.Status != models.JobDone {
		return models.Media{}, providers.Wrap(providers.ErrAnimation, "animate", "fetch", fmt.Sprintf("job %s is %s", job.ID, job.Status), nil)
	}
	if job.Output != nil && !job.Output.Empty() {
		return *job.Output, nil
	}
	if job.OutputURI == "" {
		return models.Media{}, providers.Wrap(providers.ErrAnimation, "animate", "fetch", "failed to find the generated video", nil)
	}

	data, err := s.api.download(ctx, &genai.GeneratedVideo{Video: &genai.Video{URI: job.OutputURI}})
	if err != nil {
		return models.Media{}, providers.Wrap(providers.ErrAnimation, "animate", "fetch", "failed to fetch video", err)
	}
	if len(data) == 0 {
		return models.Media{}, providers.Wrap(providers.ErrAnimation, "animate", "fetch", "downloaded video is empty", nil)
	}
	return models.Media{Data: data, MIMEType: defaultVideoMIMEType}, nil
}

func jobFromOperation(op *genai.GenerateVideosOperation) models.RemoteJob {
	job := models.RemoteJob{ID: op.Name, Status: models.JobPending}
	if !op.Done {
		return job
	}
	if len(op.Error) > 0 {
		job.Status = models.JobFailed
		job.Error = operationErrorMessage(op.Error)
		return job
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		job.Status = models.JobFailed
		job.Error = "no video returned"
		if op.Response != nil && len(op.Response.RAIMediaFilteredReasons) > 0 {
			job.Error += ": " + strings.Join(op.Response.RAIMediaFilteredReasons, "; ")
		}
		return job
	}

	video := op.Response.GeneratedVideos[0].Video
	job.Status = models.JobDone
	job.OutputURI = video.URI
	if len(video.VideoBytes) > 0 {
		mimeType := video.MIMEType
		if mimeType == "" {
			mimeType = defaultVideoMIMEType
		}
		job.Output = &models.Media{Data: video.VideoBytes, MIMEType: mimeType}
	}
	return job
}

func operationErrorMessage(opErr map[string]any) string {
	if msg, ok := opErr["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return "failed to generate video: " + msg
	}
	return fmt.Sprintf("failed to generate video: %v", opErr)
}

func firstInlineImage(resp *genai.GenerateContentResponse) (models.Media, bool) {
	if resp == nil {
		return models.Media{}, false
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "image/") {
				continue
			}
			return models.Media{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, true
		}
	}
	return models.Media{}, false
}
