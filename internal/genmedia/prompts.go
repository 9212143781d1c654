package genmedia

import (
	"fmt"

	"github.com/vanshpatel03/snapera2.0/internal/models"
)

const animationPrompt = "Animate this portrait. The person should subtly move, blink, and maybe have a slight smile. " +
	"The background should have some gentle motion, like a soft breeze effect."

func buildPortraitPrompt(analysis models.Analysis) string {
	return fmt.Sprintf(`You are a master portrait artist. Capture the likeness of the person in the photo
and paint them in the style of the **%[1]s** era.

Important:
- Preserve the distinct facial features described here: %[2]s.
- Ensure the portrait clearly looks like the same person from the selfie.
- Apply %[1]s style in clothing, hairstyle, background, lighting, and painting texture.`, analysis.Era, analysis.FaceDescription)
}
