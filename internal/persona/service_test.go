package persona

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/providers"
)

type stubProvider struct {
	response string
	err      error
	calls    []providers.Config
}

func (p *stubProvider) ExtractText(_ context.Context, config providers.Config) (string, error) {
	p.calls = append(p.calls, config)
	return p.response, p.err
}

var photo = models.Media{Data: []byte("selfie"), MIMEType: "image/jpeg"}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
		want     models.Analysis
		wantErr  bool
	}{
		{
			name:     "plain json",
			response: `{"historicalEra":"Victorian","facialDescription":"green eyes"}`,
			want:     models.Analysis{Era: "Victorian", FaceDescription: "green eyes"},
		},
		{
			name:     "fenced json",
			response: "```json\n{\"historicalEra\":\" Baroque \",\"facialDescription\":\"curls\"}\n```",
			want:     models.Analysis{Era: "Baroque", FaceDescription: "curls"},
		},
		{
			name:     "leading prose",
			response: "Sure! {\"historicalEra\":\"Renaissance\",\"facialDescription\":\"\"}",
			want:     models.Analysis{Era: "Renaissance"},
		},
		{
			name:     "empty era",
			response: `{"historicalEra":"","facialDescription":"x"}`,
			wantErr:  true,
		},
		{
			name:     "not json",
			response: "I cannot help with that",
			wantErr:  true,
		},
		{
			name:    "provider failure",
			err:     errors.New("quota"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubProvider{response: tt.response, err: tt.err}
			svc := NewService(p, "vision-model", nil)

			got, err := svc.Analyze(context.Background(), photo)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, providers.ErrAnalysis)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			require.Len(t, p.calls, 1)
			assert.True(t, p.calls[0].JSON)
			assert.Equal(t, "vision-model", p.calls[0].Model)
			assert.Equal(t, []models.Media{photo}, p.calls[0].Images)
		})
	}
}

func TestAnalyzeEmptyPhotoSkipsProvider(t *testing.T) {
	p := &stubProvider{}
	_, err := NewService(p, "m", nil).Analyze(context.Background(), models.Media{})
	assert.ErrorIs(t, err, providers.ErrAnalysis)
	assert.Empty(t, p.calls)
}

func TestSynthesizePersona(t *testing.T) {
	tests := []struct {
		name     string
		era      string
		response string
		want     models.PersonaDetails
		wantErr  bool
	}{
		{
			name:     "details",
			era:      "Victorian",
			response: `{"name":"Eleanor Vance","backstory":"A botanist who mapped orchids."}`,
			want:     models.PersonaDetails{Name: "Eleanor Vance", Backstory: "A botanist who mapped orchids."},
		},
		{
			name:     "missing backstory",
			era:      "Victorian",
			response: `{"name":"Eleanor Vance"}`,
			wantErr:  true,
		},
		{
			name:    "missing era",
			era:     " ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubProvider{response: tt.response}
			got, err := NewService(p, "m", nil).SynthesizePersona(context.Background(), tt.era, PortraitDescription(tt.era))
			if tt.wantErr {
				assert.ErrorIs(t, err, providers.ErrSynthesis)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.Len(t, p.calls, 1)
			assert.Empty(t, p.calls[0].Images)
			assert.True(t, strings.Contains(p.calls[0].Prompt, "A portrait in the style of the Victorian."))
		})
	}
}
