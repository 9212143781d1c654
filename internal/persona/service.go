package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/providers"
)

const (
	analysisTemperature = 0.2
	personaTemperature  = 0.9
)

// Service derives the era analysis and persona details from a text/vision LLM.
type Service struct {
	provider providers.Provider
	model    string
	logger   *slog.Logger
}

func NewService(provider providers.Provider, model string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: provider, model: model, logger: logger}
}

// PortraitDescription is the textual stand-in for the rendered portrait that
// persona synthesis receives, so it never waits on the portrait bytes.
func PortraitDescription(era string) string {
	return fmt.Sprintf("A portrait in the style of the %s.", strings.TrimSpace(era))
}

// Analyze determines the most fitting historical era for a photo and
// describes the subject's facial features.
func (s *Service) Analyze(ctx context.Context, photo models.Media) (models.Analysis, error) {
	if photo.Empty() {
		return models.Analysis{}, providers.Wrap(providers.ErrAnalysis, "analyze", "", "photo is empty", nil)
	}

	raw, err := s.provider.ExtractText(ctx, providers.Config{
		Model:       s.model,
		Temperature: analysisTemperature,
		Prompt:      buildAnalysisPrompt(),
		Images:      []models.Media{photo},
		JSON:        true,
	})
	if err != nil {
		return models.Analysis{}, providers.Wrap(providers.ErrAnalysis, "analyze", "extract", "", err)
	}

	var result struct {
		HistoricalEra     string `json:"historicalEra"`
		FacialDescription string `json:"facialDescription"`
	}
	if err := decodeJSONResponse(raw, &result); err != nil {
		return models.Analysis{}, providers.Wrap(providers.ErrAnalysis, "analyze", "decode", "", err)
	}

	analysis := models.Analysis{
		Era:             strings.TrimSpace(result.HistoricalEra),
		FaceDescription: strings.TrimSpace(result.FacialDescription),
	}
	if analysis.Era == "" {
		return models.Analysis{}, providers.Wrap(providers.ErrAnalysis, "analyze", "", "could not determine a historical era", nil)
	}

	s.logger.Debug("Selfie analyzed", "era", analysis.Era, "description_length", len(analysis.FaceDescription))
	return analysis, nil
}

// SynthesizePersona generates a name and one-sentence backstory for the era.
func (s *Service) SynthesizePersona(ctx context.Context, era, portraitDescription string) (models.PersonaDetails, error) {
	era = strings.TrimSpace(era)
	if era == "" {
		return models.PersonaDetails{}, providers.Wrap(providers.ErrSynthesis, "persona", "", "era is required", nil)
	}

	raw, err := s.provider.ExtractText(ctx, providers.Config{
		Model:       s.model,
		Temperature: personaTemperature,
		Prompt:      buildPersonaPrompt(era, portraitDescription),
		JSON:        true,
	})
	if err != nil {
		return models.PersonaDetails{}, providers.Wrap(providers.ErrSynthesis, "persona", "extract", "", err)
	}

	var details models.PersonaDetails
	if err := decodeJSONResponse(raw, &details); err != nil {
		return models.PersonaDetails{}, providers.Wrap(providers.ErrSynthesis, "persona", "decode", "", err)
	}
	details.Name = strings.TrimSpace(details.Name)
	details.Backstory = strings.TrimSpace(details.Backstory)
	if details.Name == "" || details.Backstory == "" {
		return models.PersonaDetails{}, providers.Wrap(providers.ErrSynthesis, "persona", "", "could not generate persona details", nil)
	}

	return details, nil
}

// decodeJSONResponse strips markdown code fences the model may wrap its
// answer in and decodes the remaining JSON object.
func decodeJSONResponse(response string, v any) error {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	if start, end := strings.Index(response, "{"), strings.LastIndex(response, "}"); start > 0 && end > start {
		response = response[start : end+1]
	}

	if err := json.Unmarshal([]byte(response), v); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}
