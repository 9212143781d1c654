package cmd

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vanshpatel03/snapera2.0/internal/images"
	"github.com/vanshpatel03/snapera2.0/internal/models"
	"github.com/vanshpatel03/snapera2.0/internal/quota"
	"github.com/vanshpatel03/snapera2.0/internal/session"
)

type personaOutput struct {
	Era       string `yaml:"era"`
	Name      string `yaml:"name"`
	Backstory string `yaml:"backstory"`
	Portrait  string `yaml:"portrait"`
	Animation string `yaml:"animation,omitempty"`
}

func newGenerateCmd(a *app) *cobra.Command {
	var (
		photoPath string
		animate   bool
		passGate  bool
		user      string
		outDir    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a historical persona from a photo",
		Long: `Runs one photo through the persona pipeline and writes the portrait (and
animation, if requested) to the output directory. The persona is printed as YAML.

The daily quota applies: after the first generation of the day the gate must be
passed explicitly with --pass-gate.`,
		Example: `  # First generation of the day
  snapera generate --photo selfie.jpg

  # Photo fetched over HTTP
  snapera generate --photo https://example.org/selfie.jpg

  # Animated, passing the gate, writing into ./out
  snapera generate --photo selfie.jpg --animate --pass-gate --out ./out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			photo, err := images.NewFetcher(a.cfg.Server.MaxUploadBytes).Load(ctx, photoPath)
			if err != nil {
				return fmt.Errorf("%s: %w", photoPath, err)
			}

			orchestrator, err := a.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			tracker, closer, err := a.newTracker(ctx)
			if err != nil {
				return err
			}
			defer closer.Close()

			sess := session.New(uuid.NewString(), "user:"+user, orchestrator, tracker, a.logger)
			defer sess.Close()

			stderr := cmd.ErrOrStderr()
			sess.Observe(func(s session.RunState) {
				if running, ok := s.(session.Running); ok && running.Label != "" {
					fmt.Fprintln(stderr, running.Label)
				}
			})

			if err := sess.Submit(ctx, photo, animate); err != nil {
				if errors.Is(err, quota.ErrQuotaExceeded) {
					if idle, ok := sess.State().(session.Idle); ok && idle.Notice != "" {
						return errors.New(idle.Notice)
					}
				}
				return err
			}

			if _, ok := sess.State().(session.AwaitingGate); ok {
				if !passGate {
					return errors.New("this generation requires passing the gate; rerun with --pass-gate")
				}
				if err := sess.PassGate(); err != nil {
					return err
				}
			}

			state, err := sess.Wait(ctx)
			if err != nil {
				return err
			}

			switch s := state.(type) {
			case session.Succeeded:
				out, err := writeBundle(outDir, s.Bundle)
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(out)
			case session.Idle:
				if s.Failure != nil {
					a.logger.Error("Generation failed", "stage", s.Failure.Stage, "err", s.Failure.Err)
					return errors.New(s.Failure.Reason)
				}
				return errors.New("generation did not complete")
			default:
				return fmt.Errorf("unexpected session state %s", state.Name())
			}
		},
	}

	cmd.Flags().StringVar(&photoPath, "photo", "", "Path or http(s) URL of the photo (required)")
	cmd.Flags().BoolVar(&animate, "animate", false, "Also animate the portrait")
	cmd.Flags().BoolVar(&passGate, "pass-gate", false, "Pass the gate when the quota requires it")
	cmd.Flags().StringVar(&user, "user", "cli", "Quota owner")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory for the portrait and animation files")
	_ = cmd.MarkFlagRequired("photo")

	return cmd
}

// writeBundle saves the bundle's media into dir and returns the YAML view.
func writeBundle(dir string, b *models.PersonaBundle) (personaOutput, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return personaOutput{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	out := personaOutput{Era: b.Era, Name: b.Name, Backstory: b.Backstory}

	portraitPath := filepath.Join(dir, "portrait"+extensionFor(b.Portrait.MIMEType, ".png"))
	if err := os.WriteFile(portraitPath, b.Portrait.Data, 0o644); err != nil {
		return personaOutput{}, fmt.Errorf("failed to write portrait: %w", err)
	}
	out.Portrait = portraitPath

	if b.HasVideo() {
		videoPath := filepath.Join(dir, "animation"+extensionFor(b.Video.MIMEType, ".mp4"))
		if err := os.WriteFile(videoPath, b.Video.Data, 0o644); err != nil {
			return personaOutput{}, fmt.Errorf("failed to write animation: %w", err)
		}
		out.Animation = videoPath
	}
	return out, nil
}

var knownExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

func extensionFor(mimeType, fallback string) string {
	if ext, ok := knownExtensions[mimeType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return fallback
}
